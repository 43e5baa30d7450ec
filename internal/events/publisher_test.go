package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/scene-backend/internal/vision"
)

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPublisher(client, cfg, logger)
	t.Cleanup(func() { p.Close() })
	return p, mr
}

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(nil, Config{}, nil)
	if p.historyTTL != defaultHistoryTTL {
		t.Errorf("expected default TTL %v, got %v", defaultHistoryTTL, p.historyTTL)
	}
	if p.maxHistory != defaultMaxHistory {
		t.Errorf("expected default max history %d, got %d", defaultMaxHistory, p.maxHistory)
	}
}

func TestPublisher_PublishStoresHistory(t *testing.T) {
	p, mr := newTestPublisher(t, Config{HistoryTTL: time.Minute})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		err := p.Publish(ctx, vision.Event{SessionID: "s1", SampleID: "f", Epoch: 0, Timestamp: i * 1000})
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if ttl := mr.TTL("scene:s1:history"); ttl != time.Minute {
		t.Errorf("expected history TTL 1m, got %v", ttl)
	}

	events, err := p.History(ctx, "s1", 2000, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 || events[0].Timestamp != 2000 || events[1].Timestamp != 3000 {
		t.Errorf("unexpected history %+v", events)
	}

	limited, _ := p.History(ctx, "s1", 0, 1)
	if len(limited) != 1 || limited[0].Timestamp != 1000 {
		t.Errorf("expected oldest event with limit 1, got %+v", limited)
	}
}

func TestPublisher_HistoryTrimmed(t *testing.T) {
	p, _ := newTestPublisher(t, Config{MaxHistory: 2})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		p.Publish(ctx, vision.Event{SessionID: "s1", Timestamp: i})
	}

	events, err := p.History(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 || events[0].Timestamp != 4 || events[1].Timestamp != 5 {
		t.Errorf("expected the 2 newest events, got %+v", events)
	}
}

func TestPublisher_DeleteHistory(t *testing.T) {
	p, mr := newTestPublisher(t, Config{})
	ctx := context.Background()
	p.Publish(ctx, vision.Event{SessionID: "s1", Timestamp: 1})

	if err := p.DeleteHistory(ctx, "s1"); err != nil {
		t.Fatalf("DeleteHistory failed: %v", err)
	}
	if mr.Exists("scene:s1:history") {
		t.Error("history key should be deleted")
	}
}

func TestPublisher_SubscribeReceivesEvents(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	ctx := context.Background()

	ch, stop, err := p.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stop()

	if p.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", p.SubscriberCount())
	}

	result := &vision.AnalysisResult{SceneDescription: "a desk"}
	p.Emit(vision.Event{SessionID: "s1", SampleID: "f1", Result: result, Timestamp: 10})
	p.Emit(vision.Event{SessionID: "other", SampleID: "f2", Timestamp: 11})

	select {
	case ev := <-ch:
		if ev.SampleID != "f1" || ev.Result == nil || ev.Result.SceneDescription != "a desk" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Errorf("received event for another session: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisher_StopClosesChannel(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})

	ch, stop, err := p.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after stop")
	}
	if p.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", p.SubscriberCount())
	}
}

func TestPublisher_SubscribeFailsWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	p := NewPublisher(client, Config{}, nil)
	defer p.Close()
	mr.Close()

	if _, _, err := p.Subscribe(context.Background(), "s1"); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}

func TestPublisher_EmitDoesNotBlockWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	p := NewPublisher(client, Config{Outbox: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer p.Close()
	mr.Close()

	start := time.Now()
	for i := 0; i < 50; i++ {
		p.Emit(vision.Event{SessionID: "s1", Timestamp: int64(i)})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Emit should not wait on redis, took %v", elapsed)
	}
}

func TestPublisher_CloseFlushesQueuedEvents(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})

	for i := int64(1); i <= 3; i++ {
		p.Emit(vision.Event{SessionID: "s1", Timestamp: i})
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := p.History(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 flushed events, got %d", len(events))
	}

	p.Emit(vision.Event{SessionID: "s1", Timestamp: 4})
	if err := p.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}
