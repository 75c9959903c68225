package analysis_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/config"
)

func newLLMClient(t *testing.T, serverURL string, retries int) *analysis.Client {
	t.Helper()
	cfg := config.Default()
	cfg.AI.NemotronURL = serverURL
	cfg.AI.NemotronMaxRetries = retries
	return analysis.NewClient(config.NewStore(cfg))
}

func TestComplete_PayloadShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("path = %s, want /completion", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content": "hello"}`))
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 0)
	content, err := c.Complete(context.Background(), "PROMPT")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if content != "hello" {
		t.Errorf("content = %q", content)
	}

	if got["prompt"] != "PROMPT" {
		t.Errorf("prompt = %v", got["prompt"])
	}
	if got["temperature"] != 0.6 || got["top_p"] != 0.95 {
		t.Errorf("sampling params = %v / %v", got["temperature"], got["top_p"])
	}
	if got["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v, want 1024", got["max_tokens"])
	}
	if _, legacy := got["n_predict"]; legacy {
		t.Error("payload carries n_predict, want max_tokens only")
	}
	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
	stop, _ := got["stop"].([]any)
	if len(stop) != 2 || stop[0] != "<|im_end|>" {
		t.Errorf("stop = %v", got["stop"])
	}
}

func TestComplete_RetriesOn5xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"content": "recovered"}`))
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 2)
	content, err := c.Complete(context.Background(), "p")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if content != "recovered" || calls != 2 {
		t.Errorf("content = %q after %d calls", content, calls)
	}
}

func TestComplete_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 1)
	_, err := c.Complete(context.Background(), "p")
	if !errors.Is(err, analysis.ErrLLMServer) {
		t.Errorf("expected ErrLLMServer, got %v", err)
	}
}

func TestComplete_ConnectionRefused(t *testing.T) {
	// Reserve a port, then close it so nothing listens.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newLLMClient(t, url, 0)
	_, err := c.Complete(context.Background(), "p")
	if !errors.Is(err, analysis.ErrLLMConnection) {
		t.Errorf("expected ErrLLMConnection, got %v", err)
	}
}

func TestComplete_RejectionIsTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 3)
	_, err := c.Complete(context.Background(), "p")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, analysis.ErrLLMServer) || errors.Is(err, analysis.ErrLLMConnection) {
		t.Errorf("4xx should not map to a retryable sentinel: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestStream_ReturnsSSEBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("stream flag = %v, want true", req["stream"])
		}
		w.Write([]byte("data: {\"content\": \"chunk\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 0)
	body, err := c.Stream(context.Background(), "p")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	var lines []string
	for scanner.Scan() {
		if l := strings.TrimSpace(scanner.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) != 2 || lines[1] != "data: [DONE]" {
		t.Errorf("lines = %v", lines)
	}
}

func TestClientHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newLLMClient(t, srv.URL, 0)
	if !c.HealthCheck(context.Background()) {
		t.Error("healthy service reported down")
	}
}
