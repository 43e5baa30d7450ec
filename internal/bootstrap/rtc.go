package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/eleven-am/scene-backend/internal/realtime"
	"github.com/eleven-am/scene-backend/internal/session"
)

func ProvideRTCManager(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) (*realtime.Manager, error) {
	mgr, err := realtime.NewManager(cfg.RTC(), logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr, nil
}

func ProvideRTCHandler(mgr *realtime.Manager, sessions *session.Manager, logger *slog.Logger) *realtime.Handler {
	return realtime.NewHandler(mgr, sessions, logger)
}

var RTCModule = fx.Options(
	fx.Provide(
		ProvideRTCManager,
		ProvideRTCHandler,
	),
)
