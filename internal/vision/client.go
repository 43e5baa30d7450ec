package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/eleven-am/scene-backend/internal/metrics"
)

// Inferencer sends a prompt and optional images to a multimodal model and
// returns its raw text reply.
type Inferencer interface {
	Infer(ctx context.Context, prompt string, images []Sample) (string, error)
}

const (
	defaultInferenceTimeout = 30 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerTimeout   = 30 * time.Second
	breakerName             = "ollama"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vision-client")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultInferenceTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	openFor := cfg.BreakerTimeout
	if openFor == 0 {
		openFor = defaultBreakerTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.OllamaURL, "/"),
		model:      cfg.Model,
		breaker:    breaker,
		logger:     logger,
	}
}

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Infer never retries. Failures, timeouts and breaker rejections all come
// back as *InferenceError.
func (c *Client) Infer(ctx context.Context, prompt string, images []Sample) (string, error) {
	text, err := c.breaker.Execute(func() (string, error) {
		return c.generate(ctx, prompt, images)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Debug("inference rejected by circuit breaker", "error", err)
		}
		return "", newInferenceError("ollama generate", err)
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, prompt string, images []Sample) (string, error) {
	encoded := make([]string, 0, len(images))
	for _, img := range images {
		if len(img.Payload) == 0 {
			continue
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(img.Payload))
	}

	body, err := json.Marshal(ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Images: encoded,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}

	c.logger.Debug("inference complete", "model", c.model, "images", len(encoded), "response_len", len(out.Response))
	return out.Response, nil
}

func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
