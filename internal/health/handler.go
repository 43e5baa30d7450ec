package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/scene-backend/internal/session"
	"github.com/eleven-am/scene-backend/internal/vision"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type SessionStats struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type SessionDetail struct {
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	QueueDepth  int       `json:"queue_depth"`
	InFlight    bool      `json:"in_flight"`
	Completed   uint64    `json:"completed"`
	Failed      uint64    `json:"failed"`
	RateDropped uint64    `json:"rate_dropped"`
	Evicted     uint64    `json:"evicted"`
	Epoch       uint64    `json:"epoch"`
}

type SessionsResponse struct {
	Total    int             `json:"total"`
	Sessions []SessionDetail `json:"sessions"`
}

// InferenceBackend is the vision model endpoint. *vision.Client implements it.
type InferenceBackend interface {
	IsAvailable(ctx context.Context) bool
	Model() string
	BreakerState() string
}

type SessionLister interface {
	SessionCount() int
	MaxSessions() int
	ListSessions() []session.SessionInfo
}

type Handler struct {
	redis     *redis.Client
	inference InferenceBackend
	sessions  SessionLister
	version   string
	startTime time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(redis *redis.Client, inference InferenceBackend, sessions SessionLister, version string) *Handler {
	return &Handler{
		redis:     redis,
		inference: inference,
		sessions:  sessions,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []struct {
		name  string
		check func(context.Context) ComponentStatus
	}{
		{"redis", h.checkRedis},
		{"inference", h.checkInference},
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	overallStatus := computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var sessions SessionStats
	if h.sessions != nil {
		sessions = SessionStats{Active: h.sessions.SessionCount(), Max: h.sessions.MaxSessions()}
	}

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Sessions: sessions,
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) Sessions(c echo.Context) error {
	if h.sessions == nil {
		return c.JSON(http.StatusOK, SessionsResponse{Sessions: []SessionDetail{}})
	}

	sessions := h.sessions.ListSessions()
	details := make([]SessionDetail, len(sessions))
	for i, s := range sessions {
		details[i] = sessionDetail(s)
	}

	return c.JSON(http.StatusOK, SessionsResponse{
		Total:    len(details),
		Sessions: details,
	})
}

func sessionDetail(s session.SessionInfo) SessionDetail {
	return SessionDetail{
		SessionID:   s.SessionID,
		Source:      s.Source,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.LastActive,
		QueueDepth:  s.Stats.QueueDepth,
		InFlight:    s.Stats.InFlight,
		Completed:   s.Stats.Completed,
		Failed:      s.Stats.Failed,
		RateDropped: s.Stats.RateDropped,
		Evicted:     s.Stats.Evicted,
		Epoch:       s.Stats.Epoch,
	}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.redis == nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "redis not configured",
		}
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// checkInference never reports unhealthy: without the model the service
// still accepts frames and serves the last known scene.
func (h *Handler) checkInference(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.inference == nil {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "inference backend not configured",
		}
	}

	detail := h.inference.Model()
	if !h.inference.IsAvailable(ctx) {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "backend unreachable",
			Detail:    detail,
		}
	}

	if state := h.inference.BreakerState(); state != "closed" {
		return ComponentStatus{
			Status:    StatusDegraded,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "circuit breaker " + state,
			Detail:    detail,
		}
	}

	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    detail,
	}
}

func computeOverallStatus(components map[string]ComponentStatus) Status {
	if status, ok := components["redis"]; ok && status.Status == StatusUnhealthy {
		return StatusUnhealthy
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

var _ InferenceBackend = (*vision.Client)(nil)
