package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/scene-backend/internal/metrics"
	"github.com/eleven-am/scene-backend/internal/vision"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
	ErrManagerClosed   = errors.New("session manager closed")
)

const (
	defaultMaxSessions = 64
	defaultIdleTimeout = 30 * time.Minute
	cleanupInterval    = time.Minute
)

type Manager struct {
	vision      vision.Config
	infer       vision.Inferencer
	sink        vision.EventSink
	maxSessions int
	idleTimeout time.Duration
	onRemove    func(sessionID string)
	log         *slog.Logger

	sessions map[string]*Session
	mu       sync.RWMutex
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	cleanupWg sync.WaitGroup
}

type ManagerConfig struct {
	Vision      vision.Config
	Inferencer  vision.Inferencer
	Sink        vision.EventSink
	MaxSessions int
	IdleTimeout time.Duration
	// OnRemove runs after a session is closed, whichever way it ended.
	OnRemove func(sessionID string)
	Log      *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		vision:      cfg.Vision,
		infer:       cfg.Inferencer,
		sink:        cfg.Sink,
		maxSessions: cfg.MaxSessions,
		idleTimeout: cfg.IdleTimeout,
		onRemove:    cfg.OnRemove,
		log:         cfg.Log.With("component", "session_manager"),
		sessions:    make(map[string]*Session),
		ctx:         ctx,
		cancel:      cancel,
	}

	m.cleanupWg.Add(1)
	go m.cleanupLoop()

	return m
}

func (m *Manager) cleanupLoop() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.removeIdle(time.Now())
		}
	}
}

func (m *Manager) removeIdle(now time.Time) int {
	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActive()) > m.idleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.release(s)
		m.log.Debug("removed idle session", "session_id", s.ID())
	}
	if len(stale) > 0 {
		m.log.Info("removed idle sessions", "count", len(stale))
	}
	return len(stale)
}

func (m *Manager) CreateSession(source vision.Source) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		source:    source,
		createdAt: time.Now(),
		pipeline:  vision.NewPipeline(id, m.vision, m.infer, m.sink, m.log),
		log:       m.log,
	}
	s.Touch()
	m.sessions[id] = s
	m.mu.Unlock()

	s.pipeline.Start(m.ctx)
	metrics.ActiveSessions.Inc()

	m.log.Info("scene session created", "session_id", id, "source", source)
	return s, nil
}

func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) RemoveSession(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.release(s)
	m.log.Info("scene session removed", "session_id", sessionID)
	return true
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) MaxSessions() int {
	return m.maxSessions
}

func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.Info())
	}
	return sessions
}

func (m *Manager) Close() error {
	m.cancel()
	m.cleanupWg.Wait()

	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.release(s)
	}
	return nil
}

func (m *Manager) release(s *Session) {
	s.Close()
	metrics.ActiveSessions.Dec()
	if m.onRemove != nil {
		m.onRemove(s.ID())
	}
}
