package vision

import "time"

const (
	DefaultTargetFPS       = 1.0
	DefaultWindowSize      = 5
	DefaultQueueSize       = 10
	DefaultRequestDelay    = 500 * time.Millisecond
	DefaultObjectTTL       = 10 * time.Second
	DefaultActionRetention = 10
	DefaultMimeType        = "image/jpeg"

	degradedDescription = "Failed to analyze scene"
)

type Config struct {
	OllamaURL       string
	Model           string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	TargetFPS       float64
	WindowSize      int
	QueueSize       int
	RequestDelay    time.Duration
	ObjectTTL       time.Duration
	ActionRetention int
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	if c.ObjectTTL <= 0 {
		c.ObjectTTL = DefaultObjectTTL
	}
	if c.ActionRetention <= 0 {
		c.ActionRetention = DefaultActionRetention
	}
	return c
}

type Source string

const (
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
	SourceFile   Source = "file"
	SourceRTP    Source = "rtp"
)

// Sample is one captured image. It is treated as immutable once created.
type Sample struct {
	ID           string
	Payload      []byte
	CapturedAtMs int64
	MimeType     string
	Source       Source
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DetectedObject struct {
	Name         string    `json:"name"`
	Position     *Position `json:"position,omitempty"`
	Confidence   float64   `json:"confidence"`
	LastSeenAtMs int64     `json:"lastSeenAtMs,omitempty"`
}

type Action struct {
	Description        string   `json:"description"`
	RelatedObjectNames []string `json:"relatedObjects"`
	Confidence         float64  `json:"confidence"`
	OccurredAtMs       int64    `json:"occurredAtMs,omitempty"`
}

type Relationship struct {
	SubjectName string `json:"subject"`
	ObjectName  string `json:"object"`
	Predicate   string `json:"predicate"`
}

// AnalysisResult is the validated output of one inference round trip.
type AnalysisResult struct {
	Objects          []DetectedObject `json:"objects"`
	Actions          []Action         `json:"actions"`
	SceneDescription string           `json:"sceneDescription"`
	Relationships    []Relationship   `json:"relationships"`
	ProducedAtMs     int64            `json:"producedAtMs"`
	Degraded         bool             `json:"degraded,omitempty"`
}

type TrackedObject struct {
	DetectedObject
	AgeMs int64 `json:"ageMs"`
}

type SceneSnapshot struct {
	Objects          []TrackedObject `json:"objects"`
	Actions          []Action        `json:"actions"`
	SceneDescription string          `json:"sceneDescription"`
	LastUpdatedMs    int64           `json:"lastUpdatedMs"`
}

type ItemResult struct {
	Result AnalysisResult
	Err    error
}

type Event struct {
	SessionID string          `json:"session_id"`
	Epoch     uint64          `json:"epoch"`
	SampleID  string          `json:"sample_id"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type Stats struct {
	Accepted      uint64 `json:"accepted"`
	RateDropped   uint64 `json:"rate_dropped"`
	Evicted       uint64 `json:"evicted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	ParseFailures uint64 `json:"parse_failures"`
	QueueDepth    int    `json:"queue_depth"`
	InFlight      bool   `json:"in_flight"`
	Epoch         uint64 `json:"epoch"`
}
