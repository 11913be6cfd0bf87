package connection

import (
	"context"
	"encoding/json"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
)

// ListTools returns the tool list of the role's server.
func (m *Manager) ListTools(ctx context.Context, role string) ([]protocol.Tool, error) {
	var result protocol.ListToolsResult
	if err := m.call(ctx, role, protocol.MethodListTools, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the role's server. A result flagged isError is
// raised as a tool-execution-failed error embedding the returned content.
func (m *Manager) CallTool(ctx context.Context, role, name string, arguments map[string]any) (*protocol.CallToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	var result protocol.CallToolResult
	err := m.call(ctx, role, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, protocol.Errorf(protocol.CodeToolExecutionFailed, "tool %q failed", name).
			WithData(map[string]any{"content": protocol.JoinText(result.Content)})
	}
	return &result, nil
}

// ListResources returns the resource list of the role's server.
func (m *Manager) ListResources(ctx context.Context, role string) ([]protocol.Resource, error) {
	var result protocol.ListResourcesResult
	if err := m.call(ctx, role, protocol.MethodListResources, nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource fetches a resource by URI from the role's server.
func (m *Manager) ReadResource(ctx context.Context, role, uri string) (*protocol.ReadResourceResult, error) {
	var result protocol.ReadResourceResult
	if err := m.call(ctx, role, protocol.MethodReadResource, protocol.ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts returns the prompt list of the role's server.
func (m *Manager) ListPrompts(ctx context.Context, role string) ([]protocol.Prompt, error) {
	var result protocol.ListPromptsResult
	if err := m.call(ctx, role, protocol.MethodListPrompts, nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt fetches a rendered prompt from the role's server.
func (m *Manager) GetPrompt(ctx context.Context, role, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	var result protocol.GetPromptResult
	if err := m.call(ctx, role, protocol.MethodGetPrompt, protocol.GetPromptParams{
		Name:      name,
		Arguments: arguments,
	}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *Manager) call(ctx context.Context, role, method string, params, out any) error {
	c, err := m.connected(role)
	if err != nil {
		return err
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return protocol.Errorf(protocol.CodeServerNotInitialized, "server for role %q has no transport", role)
	}

	raw, err := tr.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Errorf(protocol.CodeParseError, "%s result: %v", method, err)
	}
	return nil
}
