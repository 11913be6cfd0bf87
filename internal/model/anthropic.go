package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient speaks the messages HTTP shape. The backend keeps system
// turns in a separate top-level field and only accepts user/assistant roles
// inline, so the input list is rewritten accordingly.
type AnthropicClient struct {
	cfg    Config
	client *http.Client
}

func newAnthropicClient(cfg Config) *AnthropicClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &AnthropicClient{cfg: cfg, client: newHTTPClient()}
}

func (c *AnthropicClient) Backend() string { return "anthropic" }

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	ToolChoice  map[string]any  `json:"tool_choice,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// splitSystem extracts system turns into one system string and folds every
// remaining non-assistant role to "user" for the wire.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			out = append(out, msg)
		default:
			out = append(out, Message{Role: "user", Content: msg.Content})
		}
	}
	return strings.Join(system, "\n\n"), out
}

func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature, maxTokens := resolveTuning(c.cfg, req)
	system, messages := splitSystem(req.Messages)

	payload := anthropicRequest{
		Model:       c.cfg.Model,
		System:      system,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if len(req.Tools) > 0 {
		for _, tool := range req.Tools {
			payload.Tools = append(payload.Tools, anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			})
		}
		if req.ToolChoice != "" {
			payload.ToolChoice = map[string]any{"type": req.ToolChoice}
		}
	}

	data, err := postJSON(ctx, c.client, c.cfg.BaseURL+"/v1/messages", map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}, payload, c.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	out := &Response{
		FinishReason: mapStopReason(parsed.StopReason),
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}

	var text []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := block.Input
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	out.Content = strings.Join(text, "\n")
	return out, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
