package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.RequestsPerSecond != 50 {
		t.Errorf("RequestsPerSecond = %f, want 50", cfg.RequestsPerSecond)
	}
	if cfg.Burst != 100 {
		t.Errorf("Burst = %d, want 100", cfg.Burst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestRateLimiterStore_GetLimiter(t *testing.T) {
	store := &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config: RateLimiterConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
	}

	limiter1 := store.getLimiter("key1")
	if limiter1 == nil {
		t.Error("expected limiter to be created")
	}
	if store.getLimiter("key1") != limiter1 {
		t.Error("expected same limiter to be returned")
	}
	if store.getLimiter("key2") == limiter1 {
		t.Error("expected different limiter for different key")
	}
}

func TestRateLimiterStore_SweepKeepsActiveClients(t *testing.T) {
	store := &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config: RateLimiterConfig{
			RequestsPerSecond: 0.001,
			Burst:             2,
		},
	}

	store.getLimiter("idle")
	store.getLimiter("busy").Allow()

	if removed := store.sweep(time.Now()); removed != 1 {
		t.Errorf("expected 1 limiter removed, got %d", removed)
	}
	if _, ok := store.limiters["busy"]; !ok {
		t.Error("limiter with spent tokens should be kept")
	}
}

func serve(handler echo.HandlerFunc, target string, param string) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if param != "" {
		c.SetParamNames("id")
		c.SetParamValues(param)
	}
	return handler(c)
}

func TestRateLimiter_AllowsRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, RateLimiterConfig{
		RequestsPerSecond: 100,
		Burst:             100,
		CleanupInterval:   time.Hour,
	})(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	if err := serve(handler, "/test", ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRateLimiter_BlocksExcessiveRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, RateLimiterConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
	})(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	if err := serve(handler, "/test", ""); err != nil {
		t.Fatalf("first request should succeed, got error: %v", err)
	}
	err := serve(handler, "/test", "")
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", he.Code)
	}
}

func TestRateLimiter_KeysBySession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, RateLimiterConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
	})(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	if err := serve(handler, "/test", "session-a"); err != nil {
		t.Errorf("first request for session-a should succeed: %v", err)
	}
	if err := serve(handler, "/test", "session-b"); err != nil {
		t.Errorf("first request for session-b should succeed: %v", err)
	}
}
