package bootstrap

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/eleven-am/scene-backend/internal/events"
	"github.com/eleven-am/scene-backend/internal/realtime"
	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/vision"
)

func ProvideInferenceClient(cfg *Config, logger *slog.Logger) *vision.Client {
	return vision.NewClient(cfg.Vision(), logger)
}

func ProvideEventPublisher(lc fx.Lifecycle, redisClient *redis.Client, cfg *Config, logger *slog.Logger) *events.Publisher {
	publisher := events.NewPublisher(redisClient, events.Config{
		HistoryTTL: cfg.EventHistoryTTL,
		MaxHistory: cfg.EventHistoryMax,
	}, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher
}

func ProvideSessionManager(
	lc fx.Lifecycle,
	cfg *Config,
	client *vision.Client,
	publisher *events.Publisher,
	rtc *realtime.Manager,
	logger *slog.Logger,
) *session.Manager {
	mgr := session.NewManager(session.ManagerConfig{
		Vision:      cfg.Vision(),
		Inferencer:  client,
		Sink:        publisher,
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: cfg.SessionIdleTimeout,
		OnRemove: func(sessionID string) {
			rtc.RemovePeer(sessionID)
		},
		Log: logger,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr
}

func CheckInferenceBackend(lc fx.Lifecycle, client *vision.Client, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if client.IsAvailable(ctx) {
				logger.Info("inference backend reachable", "model", client.Model())
			} else {
				logger.Warn("inference backend unreachable, analysis will fail until it is up", "model", client.Model())
			}
			return nil
		},
	})
}

var VisionModule = fx.Options(
	fx.Provide(
		ProvideInferenceClient,
		ProvideEventPublisher,
		ProvideSessionManager,
	),
	fx.Invoke(CheckInferenceBackend),
)
