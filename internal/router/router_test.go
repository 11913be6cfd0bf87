package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/connection"
	"github.com/jojopeligroso/mycastle-host/internal/memory"
	"github.com/jojopeligroso/mycastle-host/internal/model"
	"github.com/jojopeligroso/mycastle-host/internal/observability"
	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

var testMetrics = observability.NewMetrics("routertest")

type fakeConnector struct {
	tools     []protocol.Tool
	resources []protocol.Resource
	prompts   []protocol.Prompt
	prompt    *protocol.GetPromptResult

	callResult func(name string, args map[string]any) (*protocol.CallToolResult, error)
	toolCalls  []string
}

func (f *fakeConnector) Connect(_ context.Context, role string) (*connection.Connection, error) {
	return &connection.Connection{Role: role}, nil
}

func (f *fakeConnector) ListTools(context.Context, string) ([]protocol.Tool, error) {
	return f.tools, nil
}

func (f *fakeConnector) CallTool(_ context.Context, _, name string, args map[string]any) (*protocol.CallToolResult, error) {
	f.toolCalls = append(f.toolCalls, name)
	if f.callResult != nil {
		return f.callResult(name, args)
	}
	return &protocol.CallToolResult{Content: []protocol.Content{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeConnector) ListResources(context.Context, string) ([]protocol.Resource, error) {
	return f.resources, nil
}

func (f *fakeConnector) ListPrompts(context.Context, string) ([]protocol.Prompt, error) {
	return f.prompts, nil
}

func (f *fakeConnector) GetPrompt(context.Context, string, string, map[string]string) (*protocol.GetPromptResult, error) {
	if f.prompt == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "unknown prompt")
	}
	return f.prompt, nil
}

func newTestRouter(conns Connector, client model.Client) (*Router, *session.Manager) {
	sessions := session.NewManager(100, 30*time.Minute)
	store := memory.NewInMemoryStore()
	return New(sessions, conns, client, store, testMetrics, Config{}), sessions
}

func TestProcessUserMessagePlainAnswer(t *testing.T) {
	conns := &fakeConnector{}
	client := model.NewMockClient(&model.Response{
		Content:      "4",
		FinishReason: "stop",
		Usage:        model.Usage{PromptTokens: 10, CompletionTokens: 1, TotalTokens: 11},
	})
	r, sessions := newTestRouter(conns, client)
	sess := sessions.Create("u1", "student", nil)

	result, err := r.ProcessUserMessage(context.Background(), sess.ID, "what is 2+2?", Options{})
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if result.Answer != "4" {
		t.Fatalf("Answer = %q, want %q", result.Answer, "4")
	}
	if result.ToolCallsExecuted != 0 || result.Exhausted {
		t.Fatalf("result = %+v, want no tool calls and not exhausted", result)
	}
	if result.TokensUsed.TotalTokens != 11 {
		t.Fatalf("TotalTokens = %d, want 11", result.TokensUsed.TotalTokens)
	}
	if result.Turn == nil || result.Turn.Role != "assistant" || result.Turn.Content != "4" {
		t.Fatalf("Turn = %+v", result.Turn)
	}

	history, err := sessions.History(sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("history = %+v, want user then assistant", history)
	}
}

func TestProcessUserMessageToolLoop(t *testing.T) {
	conns := &fakeConnector{
		tools: []protocol.Tool{{Name: "lookup", Description: "look a thing up"}},
		callResult: func(name string, args map[string]any) (*protocol.CallToolResult, error) {
			if args["key"] != "answer" {
				t.Fatalf("tool args = %v", args)
			}
			return &protocol.CallToolResult{Content: []protocol.Content{{Type: "text", Text: "42"}}}, nil
		},
	}
	client := model.NewMockClient(
		&model.Response{
			FinishReason: "tool_calls",
			ToolCalls:    []model.ToolCall{{ID: "call_1", Name: "lookup", Arguments: map[string]any{"key": "answer"}}},
		},
		&model.Response{Content: "The answer is 42", FinishReason: "stop"},
	)
	r, sessions := newTestRouter(conns, client)
	sess := sessions.Create("u1", "student", nil)

	result, err := r.ProcessUserMessage(context.Background(), sess.ID, "look up the answer", Options{})
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if result.Answer != "The answer is 42" {
		t.Fatalf("Answer = %q", result.Answer)
	}
	if result.ToolCallsExecuted != 1 {
		t.Fatalf("ToolCallsExecuted = %d, want 1", result.ToolCallsExecuted)
	}
	if len(conns.toolCalls) != 1 || conns.toolCalls[0] != "lookup" {
		t.Fatalf("tool calls = %v", conns.toolCalls)
	}

	// The second model request must carry the tool result back.
	reqs := client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model requests = %d, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "42") {
		t.Fatalf("tool result message = %+v", last)
	}

	// Tool definitions are forwarded to the model.
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "lookup" {
		t.Fatalf("tools in request = %+v", reqs[0].Tools)
	}

	// The intermediate assistant turn records the call.
	history, _ := sessions.History(sess.ID, 0)
	var recorded *session.ToolCallRecord
	for _, turn := range history {
		if len(turn.ToolCalls) > 0 {
			recorded = &turn.ToolCalls[0]
		}
	}
	if recorded == nil || recorded.Name != "lookup" || recorded.Result != "42" {
		t.Fatalf("tool call record = %+v", recorded)
	}
}

func TestProcessUserMessageToolBudget(t *testing.T) {
	conns := &fakeConnector{tools: []protocol.Tool{{Name: "probe"}}}
	// The single scripted response repeats, so the model asks for a tool on
	// every turn.
	client := model.NewMockClient(&model.Response{
		FinishReason: "tool_calls",
		ToolCalls:    []model.ToolCall{{ID: "call_x", Name: "probe", Arguments: map[string]any{}}},
	})
	r, sessions := newTestRouter(conns, client)
	sess := sessions.Create("u1", "student", nil)

	result, err := r.ProcessUserMessage(context.Background(), sess.ID, "loop forever", Options{MaxToolCalls: 3})
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}
	if !result.Exhausted {
		t.Fatalf("Exhausted = false, want true")
	}
	if result.ToolCallsExecuted != 3 {
		t.Fatalf("ToolCallsExecuted = %d, want 3", result.ToolCallsExecuted)
	}
	if len(conns.toolCalls) != 3 {
		t.Fatalf("tool calls = %d, want 3", len(conns.toolCalls))
	}
}

func TestProcessUserMessageToolErrorRecorded(t *testing.T) {
	conns := &fakeConnector{
		tools: []protocol.Tool{{Name: "lookup"}},
		callResult: func(string, map[string]any) (*protocol.CallToolResult, error) {
			return nil, errors.New("backend unreachable")
		},
	}
	client := model.NewMockClient(
		&model.Response{
			FinishReason: "tool_calls",
			ToolCalls:    []model.ToolCall{{ID: "call_1", Name: "lookup", Arguments: map[string]any{}}},
		},
		&model.Response{Content: "I could not look that up", FinishReason: "stop"},
	)
	r, sessions := newTestRouter(conns, client)
	sess := sessions.Create("u1", "student", nil)

	result, err := r.ProcessUserMessage(context.Background(), sess.ID, "look it up", Options{})
	if err != nil {
		t.Fatalf("ProcessUserMessage() error = %v, want tool failure folded into the loop", err)
	}
	if result.Answer != "I could not look that up" {
		t.Fatalf("Answer = %q", result.Answer)
	}

	history, _ := sessions.History(sess.ID, 0)
	var record *session.ToolCallRecord
	for _, turn := range history {
		if len(turn.ToolCalls) > 0 {
			record = &turn.ToolCalls[0]
		}
	}
	if record == nil || record.Error == "" || !strings.Contains(record.Error, "backend unreachable") {
		t.Fatalf("tool call record = %+v, want error captured", record)
	}

	// The model still sees a result turn describing the failure.
	reqs := client.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !strings.Contains(last.Content, "backend unreachable") {
		t.Fatalf("tool result message = %q", last.Content)
	}
}

func TestProcessUserMessageEmptyText(t *testing.T) {
	r, sessions := newTestRouter(&fakeConnector{}, model.NewMockClient())
	sess := sessions.Create("u1", "student", nil)

	_, err := r.ProcessUserMessage(context.Background(), sess.ID, "   ", Options{})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeInvalidRequest {
		t.Fatalf("error = %v, want invalid request", err)
	}
}

func TestProcessUserMessageUnknownSession(t *testing.T) {
	r, _ := newTestRouter(&fakeConnector{}, model.NewMockClient())

	_, err := r.ProcessUserMessage(context.Background(), "nope", "hi", Options{})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("error = %v, want session not found", err)
	}
}

func TestSystemPromptPrefersServerPrompt(t *testing.T) {
	conns := &fakeConnector{
		prompts: []protocol.Prompt{{Name: "system"}},
		prompt: &protocol.GetPromptResult{
			Messages: []protocol.PromptMessage{
				{Role: "user", Content: protocol.Content{Type: "text", Text: "You are the finance desk."}},
			},
		},
		resources: []protocol.Resource{{URI: "mycastle://finance/invoices", Name: "Invoices"}},
	}
	client := model.NewMockClient(&model.Response{Content: "done", FinishReason: "stop"})
	r, sessions := newTestRouter(conns, client)
	sess := sessions.Create("u1", "finance", nil)

	if _, err := r.ProcessUserMessage(context.Background(), sess.ID, "hello", Options{}); err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}

	reqs := client.Requests()
	system := reqs[0].Messages[0]
	if system.Role != "system" {
		t.Fatalf("first message = %+v, want system turn", system)
	}
	if !strings.Contains(system.Content, "You are the finance desk.") {
		t.Fatalf("system prompt = %q, want server prompt", system.Content)
	}
	if !strings.Contains(system.Content, "mycastle://finance/invoices") {
		t.Fatalf("system prompt = %q, want resource catalogue", system.Content)
	}
}

func TestSystemPromptFallsBackPerRole(t *testing.T) {
	client := model.NewMockClient(&model.Response{Content: "done", FinishReason: "stop"})
	r, sessions := newTestRouter(&fakeConnector{}, client)
	sess := sessions.Create("u1", "attendance", nil)

	if _, err := r.ProcessUserMessage(context.Background(), sess.ID, "hello", Options{}); err != nil {
		t.Fatalf("ProcessUserMessage() error = %v", err)
	}

	system := client.Requests()[0].Messages[0]
	if system.Role != "system" || !strings.Contains(system.Content, "attendance office") {
		t.Fatalf("system prompt = %+v, want attendance fallback", system)
	}
}

func TestProcessUserMessageCarriesHistory(t *testing.T) {
	client := model.NewMockClient(
		&model.Response{Content: "blue", FinishReason: "stop"},
		&model.Response{Content: "you said blue", FinishReason: "stop"},
	)
	r, sessions := newTestRouter(&fakeConnector{}, client)
	sess := sessions.Create("u1", "student", nil)

	if _, err := r.ProcessUserMessage(context.Background(), sess.ID, "my favourite colour is blue", Options{}); err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	if _, err := r.ProcessUserMessage(context.Background(), sess.ID, "what did I say?", Options{}); err != nil {
		t.Fatalf("second turn error = %v", err)
	}

	reqs := client.Requests()
	second := reqs[1].Messages
	var sawEarlier bool
	for _, msg := range second {
		if msg.Role == "user" && strings.Contains(msg.Content, "favourite colour") {
			sawEarlier = true
		}
	}
	if !sawEarlier {
		t.Fatalf("second request messages = %+v, want prior user turn included", second)
	}
}
