package gateway

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/eleven-am/scene-backend/internal/events"
	"github.com/eleven-am/scene-backend/internal/session"
)

func ProvideHandler(sessions *session.Manager, publisher *events.Publisher, logger *slog.Logger) *Handler {
	return NewHandler(sessions, publisher, logger.With("handler", "scene"))
}

var Module = fx.Options(
	fx.Provide(ProvideHandler),
)
