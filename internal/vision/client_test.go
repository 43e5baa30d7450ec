package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestNewClient_Defaults(t *testing.T) {
	cfg := Config{
		OllamaURL: "http://localhost:11434/",
		Model:     "llava",
	}
	client := NewClient(cfg, nil)
	if client == nil {
		t.Fatal("NewClient should not return nil")
	}
	if client.baseURL != "http://localhost:11434" {
		t.Errorf("expected trailing slash trimmed, got %s", client.baseURL)
	}
	if client.model != cfg.Model {
		t.Errorf("expected model %s, got %s", cfg.Model, client.model)
	}
	if client.httpClient.Timeout != defaultInferenceTimeout {
		t.Errorf("expected default timeout %v, got %v", defaultInferenceTimeout, client.httpClient.Timeout)
	}
	if client.BreakerState() != "closed" {
		t.Errorf("expected closed breaker, got %s", client.BreakerState())
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	client := NewClient(Config{OllamaURL: "http://localhost:11434", Timeout: 10 * time.Second}, nil)
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", client.httpClient.Timeout)
	}
}

func TestClient_Infer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/generate" {
			t.Errorf("expected /api/generate, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json")
		}

		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model 'test-model', got %s", req.Model)
		}
		if req.Prompt != "describe" {
			t.Errorf("expected prompt 'describe', got %s", req.Prompt)
		}
		if len(req.Images) != 2 {
			t.Errorf("expected 2 images, got %d", len(req.Images))
		} else if req.Images[0] != base64.StdEncoding.EncodeToString([]byte("one")) {
			t.Errorf("images should be base64 encoded in window order, got %s", req.Images[0])
		}
		if req.Stream {
			t.Error("stream should be false")
		}

		json.NewEncoder(w).Encode(ollamaResponse{Response: `{"objects":[]}`, Done: true})
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "test-model"}, nil)
	images := []Sample{
		{ID: "a", Payload: []byte("one")},
		{ID: "empty"},
		{ID: "b", Payload: []byte("two")},
	}

	text, err := client.Infer(context.Background(), "describe", images)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != `{"objects":[]}` {
		t.Errorf("unexpected reply %q", text)
	}
}

func TestClient_Infer_NoImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		if _, ok := raw["images"]; ok {
			t.Error("images should be omitted when none are attached")
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: "answer", Done: true})
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "m"}, nil)
	text, err := client.Infer(context.Background(), "what now?", nil)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if text != "answer" {
		t.Errorf("expected 'answer', got %q", text)
	}
}

func TestClient_Infer_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "m"}, nil)
	_, err := client.Infer(context.Background(), "p", nil)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !errors.Is(err, ErrInference) {
		t.Errorf("expected ErrInference, got %v", err)
	}
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InferenceError, got %T", err)
	}
	if ie.Op != "ollama generate" {
		t.Errorf("unexpected op %q", ie.Op)
	}
}

func TestClient_Infer_ErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Error: "out of memory"})
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "m"}, nil)
	if _, err := client.Infer(context.Background(), "p", nil); !errors.Is(err, ErrInference) {
		t.Errorf("expected ErrInference for error body, got %v", err)
	}
}

func TestClient_Infer_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "m"}, nil)
	if _, err := client.Infer(context.Background(), "p", nil); err == nil {
		t.Error("expected error for invalid JSON response")
	}
}

func TestClient_Infer_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{OllamaURL: server.URL, Model: "m", Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := client.Infer(context.Background(), "p", nil)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestClient_Infer_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{
		OllamaURL:       server.URL,
		Model:           "m",
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}, nil)

	for i := 0; i < 2; i++ {
		client.Infer(context.Background(), "p", nil)
	}
	if client.BreakerState() != "open" {
		t.Fatalf("expected open breaker after 2 failures, got %s", client.BreakerState())
	}

	_, err := client.Infer(context.Background(), "p", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if !errors.Is(err, ErrInference) {
		t.Errorf("breaker rejection should still be an inference failure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestClient_Infer_CanceledDoesNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Response: "ok"})
	}))
	defer server.Close()

	client := NewClient(Config{OllamaURL: server.URL, Model: "m", BreakerFailures: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Infer(ctx, "p", nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if client.BreakerState() != "closed" {
		t.Errorf("canceled calls should not trip the breaker, got %s", client.BreakerState())
	}
}

func TestClient_IsAvailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"available", http.StatusOK, true},
		{"unavailable", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/tags" {
					t.Errorf("expected /api/tags, got %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(Config{OllamaURL: server.URL}, nil)
			if got := client.IsAvailable(context.Background()); got != tt.want {
				t.Errorf("IsAvailable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_IsAvailable_Unreachable(t *testing.T) {
	client := NewClient(Config{OllamaURL: "http://127.0.0.1:1"}, nil)
	if client.IsAvailable(context.Background()) {
		t.Error("expected unreachable server to be unavailable")
	}
}
