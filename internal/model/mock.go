package model

import (
	"context"
	"sync"
)

// MockClient provides deterministic scripted replies for tests and for
// running the host without a model backend.
type MockClient struct {
	mu       sync.Mutex
	script   []*Response
	requests []Request
}

func NewMockClient(script ...*Response) *MockClient {
	return &MockClient{script: script}
}

func (c *MockClient) Backend() string { return "mock" }

// Enqueue appends a scripted response.
func (c *MockClient) Enqueue(resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, resp)
}

// Requests returns a copy of every request seen so far.
func (c *MockClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	if len(c.script) == 0 {
		return &Response{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	return resp, nil
}
