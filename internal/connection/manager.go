package connection

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/reliability"
	"github.com/jojopeligroso/mycastle-host/internal/transport"
)

// Status tracks a connection's lifecycle.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// RetryPolicy bounds handshake retries.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Connection is one pooled link to a role server. All sessions sharing the
// role reuse it; concurrent callers are distinguished by request id inside the
// transport, not by owning a private connection each.
type Connection struct {
	Role string

	mu         sync.Mutex
	status     Status
	caps       protocol.ServerCapabilities
	serverInfo protocol.Info
	tr         *transport.Transport
}

// Status returns the connection's current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ServerInfo returns the identity negotiated during the handshake.
func (c *Connection) ServerInfo() protocol.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Capabilities returns the capabilities negotiated during the handshake.
func (c *Connection) Capabilities() protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Manager pools exactly one connection per logical role and exposes the typed
// RPC surface of the protocol.
type Manager struct {
	specs      map[string]transport.ServerSpec
	retry      RetryPolicy
	clientInfo protocol.Info

	mu    sync.Mutex
	conns map[string]*Connection

	// spawn is swapped out by tests to avoid real subprocesses.
	spawn func(transport.ServerSpec, time.Duration) (*transport.Transport, error)
}

// NewManager builds a manager over the given per-role launch specs.
func NewManager(specs map[string]transport.ServerSpec, retry RetryPolicy) *Manager {
	if retry.Base <= 0 {
		retry.Base = 500 * time.Millisecond
	}
	if retry.Cap <= 0 {
		retry.Cap = 5 * time.Second
	}
	return &Manager{
		specs: specs,
		retry: retry,
		clientInfo: protocol.Info{
			Name:    "mycastle-host",
			Version: "1.0.0",
		},
		conns: make(map[string]*Connection),
		spawn: transport.Spawn,
	}
}

// Connect returns the pooled connection for role, establishing it on first
// use. A connection already in status "connected" is returned unchanged; an
// errored entry stays in the pool as an audit record until the next Connect
// for its role replaces it.
func (m *Manager) Connect(ctx context.Context, role string) (*Connection, error) {
	spec, ok := m.specs[role]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "no server configured for role %q", role)
	}

	m.mu.Lock()
	c, ok := m.conns[role]
	if !ok {
		c = &Connection{Role: role, status: StatusDisconnected}
		m.conns[role] = c
	}
	m.mu.Unlock()

	if err := m.ensureConnected(ctx, c, spec); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) ensureConnected(ctx context.Context, c *Connection, spec transport.ServerSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnected {
		return nil
	}

	c.status = StatusConnecting
	var lastErr error
	for attempt := 0; attempt <= m.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, m.retry.Base, m.retry.Cap)
			log.Printf("connection[%s]: handshake retry %d in %s", c.Role, attempt, wait)
			select {
			case <-ctx.Done():
				c.status = StatusError
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = m.handshake(ctx, c, spec)
		if lastErr == nil {
			c.status = StatusConnected
			return nil
		}
		if !reliability.IsRetryableRPC(lastErr) {
			break
		}
	}

	c.status = StatusError
	return protocol.Errorf(protocol.CodeConnectionFailed, "connect role %q: %v", c.Role, lastErr)
}

// handshake spawns the subprocess and runs the two-phase initialize sequence.
// Called with c.mu held.
func (m *Manager) handshake(ctx context.Context, c *Connection, spec transport.ServerSpec) error {
	tr, err := m.spawn(spec, 0)
	if err != nil {
		return err
	}

	raw, err := tr.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.Version,
		Capabilities:    protocol.ClientCapabilities{},
		ClientInfo:      m.clientInfo,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = tr.Close()
		return protocol.Errorf(protocol.CodeParseError, "initialize result: %v", err)
	}

	if err := tr.Notify(protocol.MethodInitialized, nil); err != nil {
		_ = tr.Close()
		return err
	}

	role := c.Role
	tr.SetExitHandler(func(err error) {
		if err != nil {
			log.Printf("connection[%s]: server exited: %v", role, err)
		} else {
			log.Printf("connection[%s]: server exited", role)
		}
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
	})

	c.caps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.tr = tr
	log.Printf("connection[%s]: connected to %s %s (protocol %s)",
		role, result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return nil
}

// connected returns the role's connection when it is usable for RPC.
func (m *Manager) connected(role string) (*Connection, error) {
	m.mu.Lock()
	c, ok := m.conns[role]
	m.mu.Unlock()
	if !ok || c.Status() != StatusConnected {
		return nil, protocol.Errorf(protocol.CodeServerNotInitialized, "server for role %q is not initialized", role)
	}
	return c, nil
}

// Disconnect closes and removes the role's connection from the pool.
func (m *Manager) Disconnect(role string) error {
	m.mu.Lock()
	c, ok := m.conns[role]
	if ok {
		delete(m.conns, role)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	tr := c.tr
	c.status = StatusDisconnected
	c.tr = nil
	c.mu.Unlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

// DisconnectAll tears down every pooled connection. Errors are logged, not
// returned, so one stuck server cannot block shutdown of the others.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	roles := make([]string, 0, len(m.conns))
	for role := range m.conns {
		roles = append(roles, role)
	}
	m.mu.Unlock()

	for _, role := range roles {
		if err := m.Disconnect(role); err != nil {
			log.Printf("connection[%s]: disconnect failed: %v", role, err)
		}
	}
}

// Roles lists the roles the manager can connect to.
func (m *Manager) Roles() []string {
	roles := make([]string, 0, len(m.specs))
	for role := range m.specs {
		roles = append(roles, role)
	}
	return roles
}
