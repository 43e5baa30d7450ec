package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/scene-backend/internal/vision"
)

// Session binds one scene pipeline to an id. The RTP capturer is created on
// first use.
type Session struct {
	id        string
	source    vision.Source
	createdAt time.Time
	pipeline  *vision.Pipeline
	log       *slog.Logger

	lastActive atomic.Int64

	mu       sync.Mutex
	capturer *vision.FrameCapturer
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Source() vision.Source {
	return s.source
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) Pipeline() *vision.Pipeline {
	return s.pipeline
}

func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixMilli())
}

func (s *Session) LastActive() time.Time {
	return time.UnixMilli(s.lastActive.Load())
}

func (s *Session) Capturer() *vision.FrameCapturer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capturer == nil {
		s.capturer = vision.NewFrameCapturer(vision.CapturerConfig{
			SessionID: s.id,
			Sink:      s.pipeline,
			Logger:    s.log,
		})
	}
	return s.capturer
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		SessionID:  s.id,
		Source:     string(s.source),
		CreatedAt:  s.createdAt,
		LastActive: s.LastActive(),
		Stats:      s.pipeline.Stats(),
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	capturer := s.capturer
	s.capturer = nil
	s.mu.Unlock()

	if capturer != nil {
		capturer.Stop()
	}
	s.pipeline.Close()
}

type SessionInfo struct {
	SessionID  string       `json:"session_id"`
	Source     string       `json:"source,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastActive time.Time    `json:"last_active"`
	Stats      vision.Stats `json:"stats"`
}
