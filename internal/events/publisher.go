package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/scene-backend/internal/metrics"
	"github.com/eleven-am/scene-backend/internal/vision"
)

const (
	eventChannel = "scene:%s:events"
	historyKey   = "scene:%s:history"

	publishTimeout    = 2 * time.Second
	defaultHistoryTTL = 5 * time.Minute
	defaultMaxHistory = 100
	defaultOutbox     = 256
	subscriberBuffer  = 32
)

// Publisher fans analysis events out over redis pub/sub and keeps a short,
// expiring per-session history for clients that reconnect. Emitted events
// are written by a background goroutine.
type Publisher struct {
	redis      *redis.Client
	logger     *slog.Logger
	historyTTL time.Duration
	maxHistory int64

	outbox  chan vision.Event
	drained chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Config struct {
	HistoryTTL time.Duration
	MaxHistory int
	// Outbox bounds events waiting to be written; Emit drops when full.
	Outbox int
}

func NewPublisher(redisClient *redis.Client, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = defaultHistoryTTL
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = defaultOutbox
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		redis:      redisClient,
		logger:     logger.With("component", "event-publisher"),
		historyTTL: cfg.HistoryTTL,
		maxHistory: int64(cfg.MaxHistory),
		outbox:     make(chan vision.Event, cfg.Outbox),
		drained:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[*subscription]struct{}),
	}
	go p.drain()
	return p
}

func (p *Publisher) Publish(ctx context.Context, event vision.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := fmt.Sprintf(historyKey, event.SessionID)
	pipe := p.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Timestamp), Member: data})
	pipe.ZRemRangeByRank(ctx, key, 0, -p.maxHistory-1)
	pipe.Expire(ctx, key, p.historyTTL)
	pipe.Publish(ctx, fmt.Sprintf(eventChannel, event.SessionID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.Debug("published event",
		"session_id", event.SessionID,
		"sample_id", event.SampleID,
		"epoch", event.Epoch)
	return nil
}

// Emit queues an event for publishing and never blocks. When the outbox is
// full or the publisher is closed the event is dropped.
func (p *Publisher) Emit(event vision.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.outbox <- event:
	default:
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		p.logger.Warn("event outbox full, dropping event", "session_id", event.SessionID, "sample_id", event.SampleID)
	}
}

func (p *Publisher) drain() {
	defer close(p.drained)
	for event := range p.outbox {
		p.write(event)
	}
}

func (p *Publisher) write(event vision.Event) {
	ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
	defer cancel()

	result := "success"
	if event.Error != "" {
		result = "error"
	}
	if err := p.Publish(ctx, event); err != nil {
		p.logger.Error("publish event failed", "error", err, "session_id", event.SessionID)
		return
	}
	metrics.EventsPublished.WithLabelValues(result).Inc()
}

// Subscribe streams events for one session until ctx is done or the
// returned stop func is called. The channel is closed when the
// subscription ends. Slow readers miss events rather than block others.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) (<-chan vision.Event, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := p.redis.Subscribe(ctx, fmt.Sprintf(eventChannel, sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	out := make(chan vision.Event, subscriberBuffer)
	go func() {
		defer close(sub.done)
		defer close(out)
		defer pubsub.Close()
		defer func() {
			p.mu.Lock()
			delete(p.subs, sub)
			p.mu.Unlock()
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event vision.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Error("unmarshal event", "error", err, "session_id", sessionID)
					continue
				}
				select {
				case out <- event:
				default:
					p.logger.Warn("subscriber too slow, dropping event", "session_id", sessionID)
				}
			}
		}
	}()

	p.logger.Debug("subscribed to session events", "session_id", sessionID)
	stop := func() {
		cancel()
		<-sub.done
	}
	return out, stop, nil
}

// History returns up to limit events with a timestamp at or after sinceMs,
// oldest first.
func (p *Publisher) History(ctx context.Context, sessionID string, sinceMs int64, limit int) ([]vision.Event, error) {
	opt := &redis.ZRangeBy{
		Min: strconv.FormatInt(sinceMs, 10),
		Max: "+inf",
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	members, err := p.redis.ZRangeByScore(ctx, fmt.Sprintf(historyKey, sessionID), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	events := make([]vision.Event, 0, len(members))
	for _, m := range members {
		var event vision.Event
		if err := json.Unmarshal([]byte(m), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (p *Publisher) DeleteHistory(ctx context.Context, sessionID string) error {
	return p.redis.Del(ctx, fmt.Sprintf(historyKey, sessionID)).Err()
}

func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close flushes queued events, giving up after publishTimeout, then ends
// all subscriptions.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.outbox)
	}
	p.mu.Unlock()

	select {
	case <-p.drained:
	case <-time.After(publishTimeout):
		p.cancel()
		<-p.drained
	}
	p.cancel()

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}
