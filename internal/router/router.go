package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/connection"
	"github.com/jojopeligroso/mycastle-host/internal/memory"
	"github.com/jojopeligroso/mycastle-host/internal/model"
	"github.com/jojopeligroso/mycastle-host/internal/observability"
	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

// Connector is the slice of the connection manager the router depends on.
type Connector interface {
	Connect(ctx context.Context, role string) (*connection.Connection, error)
	ListTools(ctx context.Context, role string) ([]protocol.Tool, error)
	CallTool(ctx context.Context, role, name string, arguments map[string]any) (*protocol.CallToolResult, error)
	ListResources(ctx context.Context, role string) ([]protocol.Resource, error)
	ListPrompts(ctx context.Context, role string) ([]protocol.Prompt, error)
	GetPrompt(ctx context.Context, role, name string, arguments map[string]string) (*protocol.GetPromptResult, error)
}

// Options tunes one ProcessUserMessage call.
type Options struct {
	MaxToolCalls int
	Temperature  float64
	MaxTokens    int
}

// Result is the outcome of one processed user message. Exhausted marks a turn
// that hit the tool-call budget without a tool-free reply, so an empty Answer
// can be told apart from the model answering with nothing.
type Result struct {
	Answer            string        `json:"answer"`
	ToolCallsExecuted int           `json:"tool_calls_executed"`
	TokensUsed        model.Usage   `json:"tokens_used"`
	Turn              *session.Turn `json:"turn"`
	Exhausted         bool          `json:"exhausted,omitempty"`
}

// Config sets the router's defaults.
type Config struct {
	MaxToolCalls  int
	HistoryWindow int
	MemoryLimit   int
}

// Router is the orchestration core: it gathers context from the role server,
// drives the model's tool-call loop, and records history.
type Router struct {
	sessions *session.Manager
	conns    Connector
	client   model.Client
	store    memory.Store
	metrics  *observability.Metrics

	maxToolCalls  int
	historyWindow int
	memoryLimit   int
}

func New(sessions *session.Manager, conns Connector, client model.Client, store memory.Store, metrics *observability.Metrics, cfg Config) *Router {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 5
	}
	return &Router{
		sessions:      sessions,
		conns:         conns,
		client:        client,
		store:         store,
		metrics:       metrics,
		maxToolCalls:  cfg.MaxToolCalls,
		historyWindow: cfg.HistoryWindow,
		memoryLimit:   cfg.MemoryLimit,
	}
}

// ProcessUserMessage runs one full user turn against the session's role
// server and the model backend.
func (r *Router) ProcessUserMessage(ctx context.Context, sessionID, text string, opts Options) (*Result, error) {
	start := time.Now()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "message is empty")
	}

	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %q not found", sessionID)
		}
		return nil, err
	}

	if _, err := r.conns.Connect(ctx, sess.Role); err != nil {
		r.metrics.ConnectionEvents.WithLabelValues(sess.Role, "connect_failed").Inc()
		return nil, err
	}

	tools, err := r.conns.ListTools(ctx, sess.Role)
	if err != nil {
		return nil, err
	}

	messages := r.buildMessages(ctx, sess, text)

	// Record the user turn before calling the model so it survives a failed
	// round-trip.
	if _, err := r.sessions.AddMessage(sessionID, session.Turn{Role: "user", Content: text}); err != nil {
		return nil, err
	}
	r.saveNote(ctx, sess, "user", text)

	toolDefs := make([]model.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		toolDefs = append(toolDefs, model.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	maxToolCalls := opts.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = r.maxToolCalls
	}

	var (
		answer    string
		executed  int
		usage     model.Usage
		exhausted = true
	)

	for batch := 0; batch < maxToolCalls; batch++ {
		resp, err := r.generate(ctx, messages, toolDefs, opts)
		if err != nil {
			return nil, err
		}
		usage.Add(resp.Usage)
		answer = resp.Content

		if len(resp.ToolCalls) == 0 {
			exhausted = false
			break
		}

		records := make([]session.ToolCallRecord, 0, len(resp.ToolCalls))
		messages = append(messages, model.Message{Role: "assistant", Content: resp.Content})

		// Tool calls run strictly sequentially, in the order the model
		// returned them, so the synthetic result turns stay deterministic.
		for _, tc := range resp.ToolCalls {
			record := session.ToolCallRecord{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			value, callErr := r.executeTool(ctx, sess.Role, tc)
			if callErr != nil {
				record.Error = callErr.Error()
				value = "error: " + callErr.Error()
			} else {
				record.Result = value
			}
			records = append(records, record)
			executed++

			messages = append(messages, model.Message{
				Role:    "user",
				Content: fmt.Sprintf("tool result for %s: %s", tc.Name, value),
			})
		}

		if _, err := r.sessions.AddMessage(sessionID, session.Turn{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: records,
		}); err != nil {
			return nil, err
		}
	}

	if exhausted {
		log.Printf("router: session %s hit the tool-call budget (%d) without a final answer", sessionID, maxToolCalls)
	}

	turn, err := r.sessions.AddMessage(sessionID, session.Turn{Role: "assistant", Content: answer})
	if err != nil {
		return nil, err
	}
	r.saveNote(ctx, sess, "assistant", answer)

	r.metrics.TokensUsed.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	r.metrics.TokensUsed.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	r.metrics.ObserveTurnLatency(time.Since(start))

	return &Result{
		Answer:            answer,
		ToolCallsExecuted: executed,
		TokensUsed:        usage,
		Turn:              turn,
		Exhausted:         exhausted,
	}, nil
}

func (r *Router) generate(ctx context.Context, messages []model.Message, toolDefs []model.ToolDefinition, opts Options) (*model.Response, error) {
	resp, err := r.client.Generate(ctx, model.Request{
		Messages:    messages,
		Tools:       toolDefs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		ToolChoice:  "auto",
	})
	if err != nil {
		r.metrics.ModelRequests.WithLabelValues(r.client.Backend(), "error").Inc()
		return nil, err
	}
	r.metrics.ModelRequests.WithLabelValues(r.client.Backend(), "ok").Inc()
	return resp, nil
}

func (r *Router) executeTool(ctx context.Context, role string, tc model.ToolCall) (string, error) {
	result, err := r.conns.CallTool(ctx, role, tc.Name, tc.Arguments)
	if err != nil {
		r.metrics.ToolCalls.WithLabelValues(role, "error").Inc()
		return "", err
	}
	r.metrics.ToolCalls.WithLabelValues(role, "ok").Inc()
	return protocol.JoinText(result.Content), nil
}

// buildMessages assembles the model prompt: system turn, the last N history
// turns (system entries excluded to avoid duplication), then the user turn.
func (r *Router) buildMessages(ctx context.Context, sess *session.Session, text string) []model.Message {
	var messages []model.Message
	if system := r.systemPrompt(ctx, sess); system != "" {
		messages = append(messages, model.Message{Role: "system", Content: system})
	}

	history, err := r.sessions.History(sess.ID, r.historyWindow)
	if err == nil {
		for _, turn := range history {
			if turn.Role == "system" {
				continue
			}
			messages = append(messages, model.Message{Role: turn.Role, Content: turn.Content})
		}
	}

	return append(messages, model.Message{Role: "user", Content: text})
}
