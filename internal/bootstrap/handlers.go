package bootstrap

import (
	"context"
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/eleven-am/scene-backend/internal/gateway"
	"github.com/eleven-am/scene-backend/internal/realtime"
)

type HandlerParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	SceneHandler *gateway.Handler
	RTCHandler   *realtime.Handler
	Config       *Config
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	ctx, cancel := context.WithCancel(context.Background())
	params.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/v1")
	api.Use(gateway.RateLimiter(ctx, gateway.RateLimiterConfig{
		RequestsPerSecond: params.Config.APIRequestsPerSecond,
		Burst:             params.Config.APIBurst,
		CleanupInterval:   gateway.DefaultRateLimiterConfig().CleanupInterval,
	}))
	params.SceneHandler.RegisterRoutes(api)
	params.RTCHandler.RegisterRoutes(api)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return logger
}

var HandlersModule = fx.Options(
	fx.Provide(ProvideLogger),
	fx.Invoke(RegisterRoutes),
)
