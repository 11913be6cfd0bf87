package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/transport"
)

// scriptedSpawn returns a spawn function backed by an in-memory server that
// answers each request through handle.
func scriptedSpawn(spawns *int, handle func(msg protocol.Message) (any, *protocol.Error)) func(transport.ServerSpec, time.Duration) (*transport.Transport, error) {
	return func(transport.ServerSpec, time.Duration) (*transport.Transport, error) {
		if spawns != nil {
			*spawns++
		}
		clientIn, serverOut := io.Pipe()
		serverIn, clientOut := io.Pipe()

		go func() {
			scanner := bufio.NewScanner(serverIn)
			for scanner.Scan() {
				var msg protocol.Message
				if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
					continue
				}
				if msg.ID == "" {
					continue // notification
				}
				result, rpcErr := handle(msg)
				reply := protocol.Message{JSONRPC: "2.0", ID: msg.ID}
				if rpcErr != nil {
					reply.Error = rpcErr
				} else {
					raw, _ := json.Marshal(result)
					reply.Result = raw
				}
				data, _ := json.Marshal(reply)
				_, _ = serverOut.Write(append(data, '\n'))
			}
		}()

		return transport.New(clientIn, clientOut, time.Second), nil
	}
}

func initializeResult() protocol.InitializeResult {
	return protocol.InitializeResult{
		ProtocolVersion: protocol.Version,
		Capabilities: protocol.ServerCapabilities{
			Tools: map[string]any{},
		},
		ServerInfo: protocol.Info{Name: "finance-server", Version: "3.0.0"},
	}
}

func newTestManager(spawns *int, handle func(msg protocol.Message) (any, *protocol.Error)) *Manager {
	m := NewManager(map[string]transport.ServerSpec{
		"finance": {Command: "finance-server"},
	}, RetryPolicy{MaxRetries: 0, Base: time.Millisecond, Cap: 10 * time.Millisecond})
	m.spawn = scriptedSpawn(spawns, handle)
	return m
}

func defaultHandle(msg protocol.Message) (any, *protocol.Error) {
	switch msg.Method {
	case protocol.MethodInitialize:
		return initializeResult(), nil
	case protocol.MethodListTools:
		return protocol.ListToolsResult{Tools: []protocol.Tool{{Name: "create_booking"}}}, nil
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "unsupported: "+msg.Method)
	}
}

func TestConnectPoolsOneConnectionPerRole(t *testing.T) {
	spawns := 0
	m := newTestManager(&spawns, defaultHandle)

	first, err := m.Connect(context.Background(), "finance")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if first.Status() != StatusConnected {
		t.Fatalf("status = %q, want %q", first.Status(), StatusConnected)
	}
	if first.ServerInfo().Name != "finance-server" {
		t.Fatalf("server info = %+v", first.ServerInfo())
	}

	second, err := m.Connect(context.Background(), "finance")
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected the same pooled connection on both calls")
	}
	if spawns != 1 {
		t.Fatalf("spawns = %d, want 1", spawns)
	}
}

func TestConnectUnknownRole(t *testing.T) {
	m := newTestManager(nil, defaultHandle)
	_, err := m.Connect(context.Background(), "astronomy")
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeConnectionFailed {
		t.Fatalf("Connect() error = %v, want connection-failed", err)
	}
}

func TestConnectHandshakeFailureMarksError(t *testing.T) {
	m := newTestManager(nil, func(msg protocol.Message) (any, *protocol.Error) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "unsupported client")
	})

	_, err := m.Connect(context.Background(), "finance")
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeConnectionFailed {
		t.Fatalf("Connect() error = %v, want connection-failed", err)
	}

	m.mu.Lock()
	c := m.conns["finance"]
	m.mu.Unlock()
	if c == nil {
		t.Fatalf("errored connection should stay pooled")
	}
	if c.Status() != StatusError {
		t.Fatalf("status = %q, want %q", c.Status(), StatusError)
	}
}

func TestConnectRetriesSpawnFailures(t *testing.T) {
	spawns := 0
	inner := scriptedSpawn(&spawns, defaultHandle)
	m := NewManager(map[string]transport.ServerSpec{
		"finance": {Command: "finance-server"},
	}, RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond})

	failures := 0
	m.spawn = func(spec transport.ServerSpec, timeout time.Duration) (*transport.Transport, error) {
		if failures < 2 {
			failures++
			return nil, fmt.Errorf("spawn refused")
		}
		return inner(spec, timeout)
	}

	c, err := m.Connect(context.Background(), "finance")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("status = %q, want %q", c.Status(), StatusConnected)
	}
	if failures != 2 || spawns != 1 {
		t.Fatalf("failures = %d, spawns = %d, want 2 and 1", failures, spawns)
	}
}

func TestRPCRequiresConnectedStatus(t *testing.T) {
	m := newTestManager(nil, defaultHandle)
	_, err := m.ListTools(context.Background(), "finance")
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeServerNotInitialized {
		t.Fatalf("ListTools() error = %v, want server-not-initialized", err)
	}
}

func TestListToolsRoundTrip(t *testing.T) {
	m := newTestManager(nil, defaultHandle)
	if _, err := m.Connect(context.Background(), "finance"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	tools, err := m.ListTools(context.Background(), "finance")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "create_booking" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestCallToolErrorFlagRaises(t *testing.T) {
	m := newTestManager(nil, func(msg protocol.Message) (any, *protocol.Error) {
		switch msg.Method {
		case protocol.MethodInitialize:
			return initializeResult(), nil
		case protocol.MethodCallTool:
			return protocol.CallToolResult{
				IsError: true,
				Content: []protocol.Content{{Type: "text", Text: "booking not found"}},
			}, nil
		default:
			return nil, protocol.NewError(protocol.CodeMethodNotFound, "unsupported")
		}
	})
	if _, err := m.Connect(context.Background(), "finance"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := m.CallTool(context.Background(), "finance", "cancel_booking", map[string]any{"id": "b-1"})
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeToolExecutionFailed {
		t.Fatalf("CallTool() error = %v, want tool-execution-failed", err)
	}
	if perr.Data["content"] != "booking not found" {
		t.Fatalf("error data = %v", perr.Data)
	}
}

func TestDisconnectRemovesFromPool(t *testing.T) {
	m := newTestManager(nil, defaultHandle)
	if _, err := m.Connect(context.Background(), "finance"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Disconnect("finance"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	m.mu.Lock()
	_, ok := m.conns["finance"]
	m.mu.Unlock()
	if ok {
		t.Fatalf("connection should be removed from the pool")
	}

	if _, err := m.ListTools(context.Background(), "finance"); err == nil {
		t.Fatalf("ListTools() after disconnect should fail")
	}
}
