package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OllamaClient speaks the local chat HTTP shape. No authentication; the wire
// carries no tool-call ids, so ids are minted locally.
type OllamaClient struct {
	cfg    Config
	client *http.Client
}

func newOllamaClient(cfg Config) *OllamaClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	return &OllamaClient{cfg: cfg, client: newHTTPClient()}
}

func (c *OllamaClient) Backend() string { return "ollama" }

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []openAITool  `json:"tools,omitempty"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *OllamaClient) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature, maxTokens := resolveTuning(c.cfg, req)

	payload := ollamaRequest{
		Model:    c.cfg.Model,
		Messages: req.Messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	data, err := postJSON(ctx, c.client, c.cfg.BaseURL+"/api/chat", nil, payload, c.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}

	out := &Response{
		Content:      parsed.Message.Content,
		FinishReason: parsed.DoneReason,
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}
	for i, tc := range parsed.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i+1),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}
