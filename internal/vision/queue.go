package vision

import (
	"sync"
	"time"
)

// QueueItem is one pending inference request: the sample that triggered it
// plus the context window captured at the moment it was accepted.
type QueueItem struct {
	Sample     Sample
	Context    []Sample
	EnqueuedAt time.Time
	Reply      chan ItemResult
	epoch      uint64
}

func (it QueueItem) reply(res ItemResult) {
	if it.Reply == nil {
		return
	}
	select {
	case it.Reply <- res:
	default:
	}
}

type EnqueueResult struct {
	Accepted bool
	Evicted  *QueueItem
}

// RequestQueue is a bounded FIFO that sheds its oldest entry when full.
// Enqueue never blocks the producer.
type RequestQueue struct {
	mu    sync.Mutex
	size  int
	items []QueueItem
}

func NewRequestQueue(size int) *RequestQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &RequestQueue{
		size:  size,
		items: make([]QueueItem, 0, size),
	}
}

func (q *RequestQueue) Enqueue(item QueueItem) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res EnqueueResult
	if len(q.items) == q.size {
		evicted := q.items[0]
		q.items[0] = QueueItem{}
		q.items = append(q.items[:0], q.items[1:]...)
		res.Evicted = &evicted
	}
	q.items = append(q.items, item)
	res.Accepted = true
	return res
}

func (q *RequestQueue) Dequeue() (QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	item := q.items[0]
	q.items[0] = QueueItem{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = make([]QueueItem, 0, q.size)
	}
	return item, true
}

// Clear discards every pending item and returns them oldest first.
func (q *RequestQueue) Clear() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.items
	q.items = make([]QueueItem, 0, q.size)
	return dropped
}

func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *RequestQueue) Cap() int {
	return q.size
}

func (q *RequestQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, len(q.items))
	copy(out, q.items)
	return out
}
