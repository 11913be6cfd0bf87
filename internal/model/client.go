package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/reliability"
)

// Message is one conversation turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition is a backend-agnostic tool description. Parameters is a JSON
// Schema object relayed from the role server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage counts tokens for one generate call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Request is the normalized generate request.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	ToolChoice  string
}

// Response is the normalized generate result.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Client is the single contract every backend variant satisfies.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Backend() string
}

// Config controls client construction.
type Config struct {
	Backend     string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
}

// New selects a backend variant. Adding a backend means adding a variant, not
// a branch scattered through callers.
func New(cfg Config) (Client, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("model API key is required for the openai backend")
		}
		return newOpenAIClient(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("model API key is required for the anthropic backend")
		}
		return newAnthropicClient(cfg), nil
	case "ollama":
		return newOllamaClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported model backend %q", cfg.Backend)
	}
}

// postJSON issues the backend HTTP call, retrying retryable statuses up to
// maxRetries extra attempts. Non-success responses raise with the body as
// diagnostic text.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, maxRetries int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastStatus int
	var lastBody string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 250*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus = 0
			lastBody = err.Error()
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		_ = res.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return data, nil
		}
		lastStatus = res.StatusCode
		lastBody = string(data)
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			break
		}
	}

	if lastStatus == 0 {
		return nil, fmt.Errorf("model request failed: %s", lastBody)
	}
	return nil, fmt.Errorf("model backend status %d: %s", lastStatus, lastBody)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}

// resolveTuning merges per-request overrides with configured defaults.
func resolveTuning(cfg Config, req Request) (float64, int) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = cfg.MaxTokens
	}
	return temperature, maxTokens
}
