package vision

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FrameSelector throttles an uncontrolled sample stream to a target
// frequency. A sample is accepted iff at least 1/fps has elapsed since the
// last accepted one; everything in between is dropped, never backlogged.
type FrameSelector struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
	lastAt   time.Time
}

func NewFrameSelector(targetFPS float64) *FrameSelector {
	if targetFPS <= 0 {
		targetFPS = DefaultTargetFPS
	}
	interval := time.Duration(float64(time.Second) / targetFPS)
	return &FrameSelector{
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (s *FrameSelector) Interval() time.Duration {
	return s.interval
}

func (s *FrameSelector) Accept(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.limiter.AllowN(now, 1) {
		return false
	}
	s.lastAt = now
	return true
}

func (s *FrameSelector) LastAccepted() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt
}

func (s *FrameSelector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rate.NewLimiter(rate.Every(s.interval), 1)
	s.lastAt = time.Time{}
}
