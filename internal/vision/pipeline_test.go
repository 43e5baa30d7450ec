package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

const cupReply = `{"objects":[{"name":"cup","confidence":0.9}],"actions":[{"description":"sipping"}],"sceneDescription":"a cup on a table","relationships":[]}`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func testConfig() Config {
	return Config{
		TargetFPS:       2,
		WindowSize:      3,
		QueueSize:       10,
		RequestDelay:    0,
		ObjectTTL:       10 * time.Second,
		ActionRetention: 10,
	}
}

func newTestPipeline(cfg Config, infer Inferencer) (*Pipeline, *fakeClock, *eventRecorder) {
	clock := newFakeClock()
	events := &eventRecorder{}
	p := NewPipeline("session-1", cfg, infer, events, nil)
	p.now = clock.Now
	return p, clock, events
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPipeline_SubmitRateLimits(t *testing.T) {
	p, clock, _ := newTestPipeline(testConfig(), &fakeInferencer{})

	accepted := 0
	for i := 0; i < 3; i++ {
		if p.Submit(Sample{ID: fmt.Sprintf("s%d", i)}) {
			accepted++
		}
		clock.Advance(10 * time.Millisecond)
	}

	if accepted != 1 {
		t.Errorf("expected 1 accepted sample, got %d", accepted)
	}
	stats := p.Stats()
	if stats.Accepted != 1 || stats.RateDropped != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", stats.QueueDepth)
	}
}

func TestPipeline_QueueItemCarriesWindow(t *testing.T) {
	p, clock, _ := newTestPipeline(testConfig(), &fakeInferencer{})

	for i := 0; i < 4; i++ {
		p.Submit(Sample{ID: fmt.Sprintf("s%d", i)})
		clock.Advance(500 * time.Millisecond)
	}

	items := p.queue.Items()
	if len(items) != 4 {
		t.Fatalf("expected 4 queued items, got %d", len(items))
	}
	last := items[3]
	if len(last.Context) != 3 {
		t.Fatalf("expected window of 3, got %d", len(last.Context))
	}
	if last.Context[0].ID != "s1" || last.Context[2].ID != "s3" {
		t.Errorf("unexpected window %s..%s", last.Context[0].ID, last.Context[2].ID)
	}
	if last.Sample.MimeType != DefaultMimeType || last.Sample.CapturedAtMs == 0 {
		t.Errorf("sample defaults not applied: %+v", last.Sample)
	}
}

func TestPipeline_EvictsOldestWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	p, clock, _ := newTestPipeline(cfg, &fakeInferencer{})

	replies := make([]chan ItemResult, 3)
	for i := range replies {
		replies[i] = make(chan ItemResult, 1)
		if err := p.submit(Sample{ID: fmt.Sprintf("s%d", i)}, replies[i]); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}

	select {
	case res := <-replies[0]:
		if !errors.Is(res.Err, ErrSampleDropped) {
			t.Errorf("expected ErrSampleDropped, got %v", res.Err)
		}
	default:
		t.Fatal("evicted item should be replied to")
	}

	items := p.queue.Items()
	if len(items) != 2 || items[0].Sample.ID != "s1" || items[1].Sample.ID != "s2" {
		t.Errorf("unexpected queue contents %+v", items)
	}
	if p.Stats().Evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", p.Stats().Evicted)
	}
}

func TestPipeline_ProcessesAndMerges(t *testing.T) {
	infer := &fakeInferencer{reply: cupReply}
	p, _, events := newTestPipeline(testConfig(), infer)
	p.Start(context.Background())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := p.SubmitAndWait(ctx, Sample{ID: "frame-1", Payload: []byte("jpeg")})
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Name != "cup" {
		t.Errorf("unexpected result %+v", res)
	}

	snap := p.Snapshot()
	if len(snap.Objects) != 1 || snap.SceneDescription != "a cup on a table" || len(snap.Actions) != 1 {
		t.Errorf("memory not merged: %+v", snap)
	}

	call := infer.lastCall()
	if len(call.images) != 1 || call.images[0].ID != "frame-1" {
		t.Errorf("inference should receive the context window, got %+v", call.images)
	}

	waitFor(t, func() bool { return len(events.all()) == 1 })
	ev := events.all()[0]
	if ev.SessionID != "session-1" || ev.SampleID != "frame-1" || ev.Result == nil || ev.Error != "" {
		t.Errorf("unexpected event %+v", ev)
	}
	if p.Stats().Completed != 1 {
		t.Errorf("expected 1 completed item, got %d", p.Stats().Completed)
	}
}

func TestPipeline_InferenceFailureKeepsState(t *testing.T) {
	infer := &fakeInferencer{reply: cupReply}
	p, clock, events := newTestPipeline(testConfig(), infer)
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	if _, err := p.SubmitAndWait(ctx, Sample{ID: "ok"}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	infer.mu.Lock()
	infer.reply, infer.err = "", errors.New("timeout")
	infer.mu.Unlock()
	clock.Advance(time.Second)

	_, err := p.SubmitAndWait(ctx, Sample{ID: "bad"})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}

	if snap := p.Snapshot(); snap.SceneDescription != "a cup on a table" {
		t.Errorf("failed analysis should keep previous state, got %+v", snap)
	}

	waitFor(t, func() bool { return len(events.all()) == 2 })
	if ev := events.all()[1]; ev.Error == "" || ev.Result != nil {
		t.Errorf("failure should emit an error event, got %+v", ev)
	}

	infer.mu.Lock()
	infer.reply, infer.err = cupReply, nil
	infer.mu.Unlock()
	clock.Advance(time.Second)

	if _, err := p.SubmitAndWait(ctx, Sample{ID: "again"}); err != nil {
		t.Errorf("worker should keep going after a failure, got %v", err)
	}
	if stats := p.Stats(); stats.Failed != 1 || stats.Completed != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPipeline_ParseFailureDoesNotMerge(t *testing.T) {
	infer := &fakeInferencer{reply: cupReply}
	p, clock, _ := newTestPipeline(testConfig(), infer)
	p.Start(context.Background())
	defer p.Close()

	ctx := context.Background()
	p.SubmitAndWait(ctx, Sample{ID: "ok"})

	infer.mu.Lock()
	infer.reply = "I'm sorry, I can't help with that."
	infer.mu.Unlock()
	clock.Advance(time.Second)

	res, err := p.SubmitAndWait(ctx, Sample{ID: "prose"})
	if err != nil {
		t.Fatalf("parse failures should not be errors, got %v", err)
	}
	if !res.Degraded || res.SceneDescription != "Failed to analyze scene" {
		t.Errorf("expected degraded result, got %+v", res)
	}
	if snap := p.Snapshot(); snap.SceneDescription != "a cup on a table" {
		t.Errorf("degraded result should not be merged, got %q", snap.SceneDescription)
	}
	if p.Stats().ParseFailures != 1 {
		t.Errorf("expected 1 parse failure, got %d", p.Stats().ParseFailures)
	}
}

func TestPipeline_ResetClearsQueueAndMemory(t *testing.T) {
	p, clock, _ := newTestPipeline(testConfig(), &fakeInferencer{})

	p.memory.Merge(AnalysisResult{
		Objects:          []DetectedObject{{Name: "cup"}},
		Actions:          []Action{{Description: "drinking"}},
		SceneDescription: "a cafe",
	}, clock.Now())

	replies := make([]chan ItemResult, 3)
	for i := range replies {
		replies[i] = make(chan ItemResult, 1)
		p.submit(Sample{ID: fmt.Sprintf("s%d", i)}, replies[i])
		clock.Advance(time.Second)
	}
	if p.queue.Len() != 3 {
		t.Fatalf("expected 3 queued items, got %d", p.queue.Len())
	}

	p.Reset()

	if p.queue.Len() != 0 {
		t.Errorf("expected empty queue after reset, got %d", p.queue.Len())
	}
	snap := p.Snapshot()
	if len(snap.Objects) != 0 || len(snap.Actions) != 0 || snap.SceneDescription != "" {
		t.Errorf("expected cleared memory, got %+v", snap)
	}
	for i, ch := range replies {
		select {
		case res := <-ch:
			if !errors.Is(res.Err, ErrSessionReset) {
				t.Errorf("item %d: expected ErrSessionReset, got %v", i, res.Err)
			}
		default:
			t.Errorf("item %d was not replied to", i)
		}
	}
	if p.Stats().Epoch != 1 {
		t.Errorf("expected epoch 1, got %d", p.Stats().Epoch)
	}
	if p.window.Len() != 0 {
		t.Error("reset should clear the context window")
	}
}

func TestPipeline_ResetDiscardsInFlightResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	infer := &fakeInferencer{
		fn: func(ctx context.Context, prompt string, images []Sample) (string, error) {
			close(started)
			<-release
			return cupReply, nil
		},
	}
	p, _, events := newTestPipeline(testConfig(), infer)
	p.Start(context.Background())
	defer p.Close()

	reply := make(chan ItemResult, 1)
	if err := p.submit(Sample{ID: "slow"}, reply); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	<-started
	if !p.Stats().InFlight {
		t.Error("expected an in-flight analysis")
	}
	p.Reset()
	close(release)

	select {
	case res := <-reply:
		if !errors.Is(res.Err, ErrSessionReset) {
			t.Errorf("expected ErrSessionReset, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply for in-flight item")
	}

	if snap := p.Snapshot(); len(snap.Objects) != 0 {
		t.Errorf("stale result should not be merged, got %+v", snap.Objects)
	}
	if len(events.all()) != 0 {
		t.Errorf("stale result should not emit events, got %d", len(events.all()))
	}
}

func TestPipeline_StaleItemSkipsInference(t *testing.T) {
	infer := &fakeInferencer{reply: cupReply}
	p, _, events := newTestPipeline(testConfig(), infer)

	reply := make(chan ItemResult, 1)
	item := QueueItem{Sample: Sample{ID: "old"}, Reply: reply, epoch: 0}
	p.Reset()

	p.process(context.Background(), item)

	if infer.callCount() != 0 {
		t.Errorf("stale item should not reach the inferencer, got %d calls", infer.callCount())
	}
	select {
	case res := <-reply:
		if !errors.Is(res.Err, ErrSessionReset) {
			t.Errorf("expected ErrSessionReset, got %v", res.Err)
		}
	default:
		t.Error("stale item was not replied to")
	}
	if len(events.all()) != 0 {
		t.Error("stale item should not emit events")
	}
	if p.Stats().InFlight {
		t.Error("in-flight flag should be cleared")
	}
}

func TestPipeline_SingleInFlight(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	infer := &fakeInferencer{
		fn: func(ctx context.Context, prompt string, images []Sample) (string, error) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return cupReply, nil
		},
	}
	p, clock, _ := newTestPipeline(testConfig(), infer)
	p.Start(context.Background())
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Submit(Sample{ID: fmt.Sprintf("s%d", i)})
		clock.Advance(time.Second)
	}

	waitFor(t, func() bool { return p.Stats().Completed == 5 })
	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 1 {
		t.Errorf("expected at most one call in flight, saw %d", maxSeen)
	}
}

func TestPipeline_RequestDelay(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	infer := &fakeInferencer{
		fn: func(ctx context.Context, prompt string, images []Sample) (string, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			mu.Unlock()
			return cupReply, nil
		},
	}
	cfg := testConfig()
	cfg.RequestDelay = 50 * time.Millisecond
	p, clock, _ := newTestPipeline(cfg, infer)

	p.Submit(Sample{ID: "a"})
	clock.Advance(time.Second)
	p.Submit(Sample{ID: "b"})

	p.Start(context.Background())
	defer p.Close()

	waitFor(t, func() bool { return p.Stats().Completed == 2 })
	mu.Lock()
	defer mu.Unlock()
	if gap := calls[1].Sub(calls[0]); gap < 50*time.Millisecond {
		t.Errorf("expected at least 50ms between calls, got %v", gap)
	}
}

func TestPipeline_ProcessPanicsWhenAlreadyInFlight(t *testing.T) {
	p, _, _ := newTestPipeline(testConfig(), &fakeInferencer{reply: cupReply})
	p.inFlight.Store(true)

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrStateInconsistency) {
			t.Errorf("expected ErrStateInconsistency panic, got %v", r)
		}
	}()
	p.process(context.Background(), QueueItem{Sample: Sample{ID: "x"}})
}

func TestPipeline_Respond(t *testing.T) {
	infer := &fakeInferencer{reply: "a cup"}
	p, _, _ := newTestPipeline(testConfig(), infer)

	text, err := p.Respond(context.Background(), "what is here?")
	if err != nil || text != "a cup" {
		t.Errorf("Respond = %q, %v", text, err)
	}
}

func TestPipeline_Close(t *testing.T) {
	p, clock, _ := newTestPipeline(testConfig(), &fakeInferencer{reply: cupReply})

	reply := make(chan ItemResult, 1)
	p.submit(Sample{ID: "pending"}, reply)
	p.Close()
	p.Close()

	select {
	case res := <-reply:
		if !errors.Is(res.Err, ErrPipelineClosed) {
			t.Errorf("expected ErrPipelineClosed, got %v", res.Err)
		}
	default:
		t.Error("pending item should be failed on Close")
	}

	clock.Advance(time.Second)
	if p.Submit(Sample{ID: "late"}) {
		t.Error("closed pipeline should not accept samples")
	}
	if _, err := p.SubmitAndWait(context.Background(), Sample{ID: "late"}); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("expected ErrPipelineClosed, got %v", err)
	}
}
