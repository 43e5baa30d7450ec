package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// SampleSink accepts captured samples. *Pipeline implements it.
type SampleSink interface {
	Submit(Sample) bool
}

// FrameCapturer reassembles RTP video into frames, decodes keyframes and
// hands them to a SampleSink as JPEG samples. Frames that arrive while a
// decode is running are skipped.
type FrameCapturer struct {
	sink    SampleSink
	logger  *slog.Logger
	decoder VideoDecoder
	quality int
	now     func() time.Time

	mu            sync.Mutex
	sampleBuilder *samplebuilder.SampleBuilder
	mimeType      string
	busy          bool
	stopped       bool
}

type CapturerConfig struct {
	SessionID   string
	Sink        SampleSink
	Decoder     VideoDecoder
	JPEGQuality int
	Logger      *slog.Logger
}

func NewFrameCapturer(cfg CapturerConfig) *FrameCapturer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = NewVPXDecoder()
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}

	return &FrameCapturer{
		sink:    cfg.Sink,
		logger:  cfg.Logger.With("component", "frame-capturer", "session_id", cfg.SessionID),
		decoder: cfg.Decoder,
		quality: cfg.JPEGQuality,
		now:     time.Now,
	}
}

// HandleRTP unmarshals one raw RTP packet and feeds it to HandlePacket.
func (c *FrameCapturer) HandleRTP(raw []byte, mimeType string) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}
	c.HandlePacket(pkt, mimeType)
	return nil
}

func (c *FrameCapturer) HandlePacket(pkt *rtp.Packet, mimeType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if c.sampleBuilder == nil || c.mimeType != mimeType {
		c.mimeType = mimeType
		c.sampleBuilder = c.createSampleBuilder(mimeType)
		if c.sampleBuilder == nil {
			return
		}
	}

	c.sampleBuilder.Push(pkt)

	for {
		sample := c.sampleBuilder.Pop()
		if sample == nil {
			break
		}
		if c.busy {
			continue
		}
		c.busy = true
		go c.processFrame(sample.Data, mimeType, c.now().UnixMilli())
	}
}

func (c *FrameCapturer) createSampleBuilder(mimeType string) *samplebuilder.SampleBuilder {
	switch mimeType {
	case MimeTypeVP8:
		return samplebuilder.New(64, &codecs.VP8Packet{}, 90000)
	case MimeTypeVP9:
		return samplebuilder.New(64, &codecs.VP9Packet{}, 90000)
	case MimeTypeH264:
		return samplebuilder.New(64, &codecs.H264Packet{}, 90000)
	default:
		c.logger.Warn("unsupported video codec", "mime_type", mimeType)
		return nil
	}
}

func (c *FrameCapturer) processFrame(data []byte, mimeType string, capturedAtMs int64) {
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	img, err := c.decoder.Decode(data, mimeType)
	if err != nil {
		if !errors.Is(err, ErrNotKeyframe) {
			c.logger.Debug("frame decode failed", "error", err)
		}
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		c.logger.Debug("jpeg encode failed", "error", err)
		return
	}

	if c.sink == nil {
		return
	}
	accepted := c.sink.Submit(Sample{
		ID:           uuid.NewString(),
		Payload:      buf.Bytes(),
		CapturedAtMs: capturedAtMs,
		MimeType:     DefaultMimeType,
		Source:       SourceRTP,
	})
	if accepted {
		c.logger.Debug("frame captured",
			"width", img.Bounds().Dx(),
			"height", img.Bounds().Dy(),
			"bytes", buf.Len())
	}
}

func (c *FrameCapturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.decoder.Close()
}
