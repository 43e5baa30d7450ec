package vision

import "sync"

// ContextWindow keeps the most recent N accepted samples, oldest first.
type ContextWindow struct {
	mu      sync.Mutex
	size    int
	samples []Sample
}

func NewContextWindow(size int) *ContextWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ContextWindow{
		size:    size,
		samples: make([]Sample, 0, size),
	}
}

func (w *ContextWindow) Push(sample Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, sample)
	if over := len(w.samples) - w.size; over > 0 {
		clear(w.samples[:over])
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
}

// Snapshot copies the buffer. Reading does not clear it.
func (w *ContextWindow) Snapshot() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

func (w *ContextWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func (w *ContextWindow) Cap() int {
	return w.size
}

func (w *ContextWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.samples)
	w.samples = w.samples[:0]
}
