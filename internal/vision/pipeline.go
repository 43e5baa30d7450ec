package vision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/scene-backend/internal/metrics"
)

// EventSink receives one Event per completed queue item, failures included.
type EventSink interface {
	Emit(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// Pipeline runs the frame path of one session: selector, context window,
// request queue, inference, parsing and scene memory. A single worker
// drains the queue, so at most one analysis call is in flight and merges
// apply in request order.
type Pipeline struct {
	sessionID string
	cfg       Config
	infer     Inferencer
	sink      EventSink
	logger    *slog.Logger
	now       func() time.Time

	selector  *FrameSelector
	window    *ContextWindow
	queue     *RequestQueue
	memory    *SceneMemory
	responder *QueryResponder

	// mu orders submits, merges and resets against the epoch.
	mu       sync.Mutex
	epoch    uint64
	inFlight atomic.Bool
	notify   chan struct{}

	accepted      atomic.Uint64
	rateDropped   atomic.Uint64
	evicted       atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	parseFailures atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
}

func NewPipeline(sessionID string, cfg Config, infer Inferencer, sink EventSink, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vision-pipeline", "session_id", sessionID)

	window := NewContextWindow(cfg.WindowSize)
	memory := NewSceneMemory(cfg.ObjectTTL, cfg.ActionRetention)

	p := &Pipeline{
		sessionID: sessionID,
		cfg:       cfg,
		infer:     infer,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		selector:  NewFrameSelector(cfg.TargetFPS),
		window:    window,
		queue:     NewRequestQueue(cfg.QueueSize),
		memory:    memory,
		responder: NewQueryResponder(infer, memory, window, logger),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	p.responder.now = func() time.Time { return p.now() }
	return p
}

func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Start launches the worker. Calling it more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		go p.run(ctx)
	})
}

// Submit offers a sample to the pipeline. It never blocks: samples arriving
// faster than the target rate are dropped and a full queue sheds its oldest
// request. It reports whether the sample was accepted.
func (p *Pipeline) Submit(sample Sample) bool {
	return p.submit(sample, nil) == nil
}

// SubmitAndWait submits a sample and waits for its analysis. A sample
// rejected by the rate limiter returns ErrSampleDropped immediately.
func (p *Pipeline) SubmitAndWait(ctx context.Context, sample Sample) (AnalysisResult, error) {
	reply := make(chan ItemResult, 1)
	if err := p.submit(sample, reply); err != nil {
		return AnalysisResult{}, err
	}
	select {
	case res := <-reply:
		return res.Result, res.Err
	case <-ctx.Done():
		return AnalysisResult{}, ctx.Err()
	}
}

func (p *Pipeline) submit(sample Sample, reply chan ItemResult) error {
	now := p.now()
	if sample.CapturedAtMs == 0 {
		sample.CapturedAtMs = now.UnixMilli()
	}
	if sample.MimeType == "" {
		sample.MimeType = DefaultMimeType
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if !p.selector.Accept(now) {
		p.mu.Unlock()
		p.rateDropped.Add(1)
		metrics.RecordSample("rate_dropped")
		return ErrSampleDropped
	}
	p.window.Push(sample)
	res := p.queue.Enqueue(QueueItem{
		Sample:     sample,
		Context:    p.window.Snapshot(),
		EnqueuedAt: now,
		Reply:      reply,
		epoch:      p.epoch,
	})
	p.mu.Unlock()

	p.accepted.Add(1)
	metrics.RecordSample("accepted")
	if res.Evicted != nil {
		p.evicted.Add(1)
		metrics.RecordSample("evicted")
		p.logger.Debug("queue full, dropped oldest request", "sample_id", res.Evicted.Sample.ID)
		res.Evicted.reply(ItemResult{Err: ErrSampleDropped})
	} else {
		metrics.QueueDepth.Inc()
	}

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	for {
		item, ok := p.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		metrics.QueueDepth.Dec()

		p.process(ctx, item)

		if p.cfg.RequestDelay > 0 {
			timer := time.NewTimer(p.cfg.RequestDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// process handles one item to completion. An item from before a reset is
// answered without calling out, and a result that arrives after a reset is
// discarded instead of merged.
func (p *Pipeline) process(ctx context.Context, item QueueItem) {
	if !p.inFlight.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: analysis started while another is in flight", ErrStateInconsistency))
	}
	defer p.inFlight.Store(false)

	p.mu.Lock()
	stale := item.epoch != p.epoch
	p.mu.Unlock()
	if stale {
		p.discard(item)
		return
	}

	prompt := BuildAnalysisPrompt(item.Context)

	start := time.Now()
	raw, err := p.infer.Infer(ctx, prompt, item.Context)
	metrics.RecordInference(metrics.KindAnalysis, time.Since(start), err)

	now := p.now()
	event := Event{
		SessionID: p.sessionID,
		Epoch:     item.epoch,
		SampleID:  item.Sample.ID,
		Timestamp: now.UnixMilli(),
	}

	p.mu.Lock()
	if item.epoch != p.epoch {
		p.mu.Unlock()
		p.discard(item)
		return
	}

	if err != nil {
		p.mu.Unlock()
		p.failed.Add(1)
		p.logger.Warn("frame analysis failed", "sample_id", item.Sample.ID, "error", err)
		event.Error = err.Error()
		p.emit(event)
		item.reply(ItemResult{Err: newInferenceError("analyze", err)})
		return
	}

	result, outcome := parseWithOutcome(raw, now)
	for _, step := range outcome.repairs {
		metrics.ParseRepairs.WithLabelValues(step).Inc()
	}
	if outcome.degraded {
		p.parseFailures.Add(1)
		metrics.ParseDegraded.Inc()
		p.logger.Warn("could not parse analysis, keeping previous scene", "sample_id", item.Sample.ID, "response_len", len(raw))
	} else {
		p.memory.Merge(result, now)
	}
	p.mu.Unlock()

	p.completed.Add(1)
	p.logger.Debug("frame analysis complete",
		"sample_id", item.Sample.ID,
		"objects", len(result.Objects),
		"actions", len(result.Actions),
		"repairs", len(outcome.repairs),
		"duration", time.Since(start))

	event.Result = &result
	p.emit(event)
	item.reply(ItemResult{Result: result})
}

// discard answers an item that belongs to an epoch before the last reset.
func (p *Pipeline) discard(item QueueItem) {
	metrics.InferenceRequests.WithLabelValues(metrics.KindAnalysis, "discarded").Inc()
	p.logger.Debug("discarding item from previous epoch", "sample_id", item.Sample.ID, "epoch", item.epoch)
	item.reply(ItemResult{Err: ErrSessionReset})
}

func (p *Pipeline) emit(e Event) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(e)
}

// Reset starts a new epoch: pending requests are discarded, scene memory,
// the context window and the rate limiter are cleared. An analysis already
// in flight completes but its result is dropped.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.epoch++
	dropped := p.queue.Clear()
	p.memory.Reset()
	p.window.Reset()
	p.selector.Reset()
	epoch := p.epoch
	p.mu.Unlock()

	metrics.QueueDepth.Sub(float64(len(dropped)))
	for _, item := range dropped {
		metrics.RecordSample("reset")
		item.reply(ItemResult{Err: ErrSessionReset})
	}
	p.logger.Info("session reset", "epoch", epoch, "dropped", len(dropped))
}

func (p *Pipeline) Snapshot() SceneSnapshot {
	return p.memory.Snapshot(p.now())
}

func (p *Pipeline) Respond(ctx context.Context, command string) (string, error) {
	return p.responder.Respond(ctx, command)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	return Stats{
		Accepted:      p.accepted.Load(),
		RateDropped:   p.rateDropped.Load(),
		Evicted:       p.evicted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		ParseFailures: p.parseFailures.Load(),
		QueueDepth:    p.queue.Len(),
		InFlight:      p.inFlight.Load(),
		Epoch:         epoch,
	}
}

// Close stops the worker, cancelling an in-flight analysis, and fails any
// pending requests with ErrPipelineClosed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.startOnce.Do(func() {})
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}

		dropped := p.queue.Clear()
		metrics.QueueDepth.Sub(float64(len(dropped)))
		for _, item := range dropped {
			item.reply(ItemResult{Err: ErrPipelineClosed})
		}
		p.memory.Reset()
		p.window.Reset()
	})
}
