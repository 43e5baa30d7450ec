package vision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/eleven-am/scene-backend/internal/metrics"
)

// QueryResponder answers ad hoc commands from the current scene memory. It
// only reads memory and makes exactly one inference call per command.
type QueryResponder struct {
	infer  Inferencer
	memory *SceneMemory
	window *ContextWindow
	logger *slog.Logger
	now    func() time.Time
}

func NewQueryResponder(infer Inferencer, memory *SceneMemory, window *ContextWindow, logger *slog.Logger) *QueryResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryResponder{
		infer:  infer,
		memory: memory,
		window: window,
		logger: logger.With("component", "query-responder"),
		now:    time.Now,
	}
}

// Respond attaches the context window images when the command asks about
// what is visible. An inference failure is returned as is, never a partial
// answer.
func (r *QueryResponder) Respond(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", ErrEmptyCommand
	}

	snap := r.memory.Snapshot(r.now())

	var images []Sample
	if r.window != nil && NeedsVisualContext(command) {
		images = r.window.Snapshot()
	}
	prompt := BuildQueryPrompt(command, snap, len(images) > 0)

	start := time.Now()
	text, err := r.infer.Infer(ctx, prompt, images)
	metrics.RecordInference(metrics.KindQuery, time.Since(start), err)
	if err != nil {
		r.logger.Warn("query failed", "error", err)
		return "", newInferenceError("query", err)
	}

	r.logger.Debug("query answered",
		"objects", len(snap.Objects),
		"actions", len(snap.Actions),
		"images", len(images),
		"duration", time.Since(start))
	return strings.TrimSpace(text), nil
}
