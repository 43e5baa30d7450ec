package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FrameSource yields samples at whatever rate the capture side produces
// them. Next returns io.EOF when the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Sample, error)
}

// Pump drains src into sink until the source ends or ctx is done. It
// returns the number of samples the sink accepted.
func Pump(ctx context.Context, src FrameSource, sink SampleSink, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	accepted := 0
	for {
		sample, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return accepted, nil
			}
			if ctx.Err() != nil {
				return accepted, ctx.Err()
			}
			return accepted, fmt.Errorf("next sample: %w", err)
		}
		if sink.Submit(sample) {
			accepted++
			logger.Debug("sample accepted", "sample_id", sample.ID, "source", sample.Source)
		}
	}
}

var imageMimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// DirSource replays the images of a directory in name order, one every
// interval. With Loop set it starts over after the last file.
type DirSource struct {
	files    []string
	interval time.Duration
	loop     bool
	source   Source
	now      func() time.Time

	next    int
	started bool
}

type DirSourceConfig struct {
	Dir      string
	Interval time.Duration
	Loop     bool
	Source   Source
}

func NewDirSource(cfg DirSourceConfig) (*DirSource, error) {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageMimeTypes[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			files = append(files, filepath.Join(cfg.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", cfg.Dir)
	}
	sort.Strings(files)

	if cfg.Source == "" {
		cfg.Source = SourceFile
	}
	return &DirSource{
		files:    files,
		interval: cfg.Interval,
		loop:     cfg.Loop,
		source:   cfg.Source,
		now:      time.Now,
	}, nil
}

func (d *DirSource) Len() int {
	return len(d.files)
}

func (d *DirSource) Next(ctx context.Context) (Sample, error) {
	if d.next >= len(d.files) {
		if !d.loop {
			return Sample{}, io.EOF
		}
		d.next = 0
	}

	if d.started && d.interval > 0 {
		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Sample{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	d.started = true

	path := d.files[d.next]
	d.next++

	payload, err := os.ReadFile(path)
	if err != nil {
		return Sample{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	return Sample{
		ID:           uuid.NewString(),
		Payload:      payload,
		CapturedAtMs: d.now().UnixMilli(),
		MimeType:     imageMimeTypes[strings.ToLower(filepath.Ext(path))],
		Source:       d.source,
	}, nil
}
