package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/retry"
)

// completionRequest is the llama.cpp-style payload the Nemotron server
// expects. Sampling parameters are fixed; the model is tuned for them.
type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop"`
	Stream      bool     `json:"stream"`
}

type completionResponse struct {
	Content string `json:"content"`
}

var stopSequences = []string{"<|im_end|>", "<|im_start|>"}

// Client talks to the Nemotron completion server. Transient failures map to
// the sentinel LLM errors so callers can distinguish retryable from terminal.
type Client struct {
	cfg        *config.Store
	httpClient *http.Client
}

func NewClient(cfg *config.Store) *Client {
	ai := cfg.Current().AI
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: ai.ConnectTimeout() + ai.NemotronReadTimeout(),
		},
	}
}

// Complete runs one blocking completion with retries on transient failures.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ai := c.cfg.Current().AI

	var lastErr error
	for attempt := 0; attempt <= ai.NemotronMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrLLMTimeout, ctx.Err())
			case <-time.After(retry.Backoff(attempt - 1)):
			}
		}

		content, err := c.complete(ctx, ai, prompt)
		if err == nil {
			return content, nil
		}
		if !isTransient(err) {
			return "", err
		}
		lastErr = err
		log.Printf("[WARN] Nemotron: attempt %d/%d failed: %v", attempt+1, ai.NemotronMaxRetries+1, err)
	}
	return "", lastErr
}

func (c *Client) complete(ctx context.Context, ai config.AIConfig, prompt string) (string, error) {
	resp, err := c.do(ctx, ai, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: response decode: %v", ErrLLMServer, err)
	}
	return body.Content, nil
}

// Stream opens a streaming completion. The caller owns the returned body and
// must close it; lines arrive as SSE "data: {...}" chunks terminated by
// "data: [DONE]". No retries: a stream is restartable only from the client.
func (c *Client) Stream(ctx context.Context, prompt string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.cfg.Current().AI, prompt, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, ai config.AIConfig, prompt string, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		Temperature: 0.6,
		TopP:        0.95,
		MaxTokens:   ai.NemotronMaxOutputTokens,
		Stop:        stopSequences,
		Stream:      stream,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ai.NemotronURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ai.NemotronAPIKey != "" {
		req.Header.Set("X-API-Key", ai.NemotronAPIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrLLMServer, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("llm rejected request: status %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrLLMTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLLMTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrLLMConnection, err)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrLLMConnection) ||
		errors.Is(err, ErrLLMTimeout) ||
		errors.Is(err, ErrLLMServer)
}

// HealthCheck GETs /health with the short health timeout.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ai := c.cfg.Current().AI
	ctx, cancel := context.WithTimeout(ctx, ai.HealthTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ai.NemotronURL+"/health", nil)
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
