package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/vision"
)

type fakeBackend struct {
	available bool
	state     string
}

func (f *fakeBackend) IsAvailable(ctx context.Context) bool { return f.available }
func (f *fakeBackend) Model() string                        { return "llava" }
func (f *fakeBackend) BreakerState() string                 { return f.state }

type fakeSessions struct {
	infos []session.SessionInfo
}

func (f *fakeSessions) SessionCount() int                   { return len(f.infos) }
func (f *fakeSessions) MaxSessions() int                    { return 8 }
func (f *fakeSessions) ListSessions() []session.SessionInfo { return f.infos }

func readiness(t *testing.T, h *Handler) (int, HealthResponse) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestLiveness(t *testing.T) {
	e := echo.New()
	NewHandler(nil, nil, nil, "test").RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadiness_Healthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sessions := &fakeSessions{infos: []session.SessionInfo{{SessionID: "a"}}}
	h := NewHandler(client, &fakeBackend{available: true, state: "closed"}, sessions, "1.2.3")

	code, resp := readiness(t, h)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s (%+v)", resp.Status, resp.Components)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", resp.Version)
	}
	if resp.Stats.Sessions.Active != 1 || resp.Stats.Sessions.Max != 8 {
		t.Errorf("unexpected session stats %+v", resp.Stats.Sessions)
	}
	if resp.Components["inference"].Detail != "llava" {
		t.Errorf("expected model in inference detail, got %+v", resp.Components["inference"])
	}
}

func TestReadiness_InferenceDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHandler(client, &fakeBackend{available: false, state: "closed"}, nil, "test")

	code, resp := readiness(t, h)
	if code != http.StatusOK {
		t.Errorf("expected 200 while degraded, got %d", code)
	}
	if resp.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", resp.Status)
	}
}

func TestReadiness_BreakerOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHandler(client, &fakeBackend{available: true, state: "open"}, nil, "test")

	_, resp := readiness(t, h)
	if resp.Components["inference"].Error != "circuit breaker open" {
		t.Errorf("unexpected inference status %+v", resp.Components["inference"])
	}
}

func TestReadiness_RedisDown(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	h := NewHandler(client, &fakeBackend{available: true, state: "closed"}, nil, "test")

	code, resp := readiness(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", resp.Status)
	}
}

func TestSessions(t *testing.T) {
	sessions := &fakeSessions{infos: []session.SessionInfo{{
		SessionID: "s1",
		Source:    "camera",
		Stats:     vision.Stats{Completed: 3, QueueDepth: 2, Epoch: 1},
	}}}
	e := echo.New()
	NewHandler(nil, nil, sessions, "test").RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/health/sessions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var resp SessionsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Fatalf("expected 1 session, got %d", resp.Total)
	}
	d := resp.Sessions[0]
	if d.SessionID != "s1" || d.Completed != 3 || d.QueueDepth != 2 || d.Epoch != 1 {
		t.Errorf("unexpected detail %+v", d)
	}
}

func TestComputeOverallStatus(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]ComponentStatus
		want       Status
	}{
		{"all healthy", map[string]ComponentStatus{"redis": {Status: StatusHealthy}, "inference": {Status: StatusHealthy}}, StatusHealthy},
		{"inference degraded", map[string]ComponentStatus{"redis": {Status: StatusHealthy}, "inference": {Status: StatusDegraded}}, StatusDegraded},
		{"redis down", map[string]ComponentStatus{"redis": {Status: StatusUnhealthy}, "inference": {Status: StatusHealthy}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeOverallStatus(tt.components); got != tt.want {
				t.Errorf("computeOverallStatus = %s, want %s", got, tt.want)
			}
		})
	}
}
