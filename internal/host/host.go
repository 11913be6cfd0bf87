package host

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/memory"
	"github.com/jojopeligroso/mycastle-host/internal/observability"
	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/router"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

// ServerPool is the slice of the connection manager the host exposes.
type ServerPool interface {
	router.Connector
	ReadResource(ctx context.Context, role, uri string) (*protocol.ReadResourceResult, error)
	Roles() []string
	DisconnectAll()
}

// Capabilities describes everything one role server offers.
type Capabilities struct {
	Role       string              `json:"role"`
	ServerInfo protocol.Info       `json:"server_info"`
	Tools      []protocol.Tool     `json:"tools"`
	Resources  []protocol.Resource `json:"resources"`
	Prompts    []protocol.Prompt   `json:"prompts"`
}

// Stats aggregates host-wide counters for the stats endpoint.
type Stats struct {
	ActiveSessions  int      `json:"active_sessions"`
	TotalTurns      int      `json:"total_turns"`
	ConfiguredRoles []string `json:"configured_roles"`
}

// Host is the public facade over sessions, role server connections, and the
// message router. All entry points reject calls before Start or after
// Shutdown.
type Host struct {
	sessions *session.Manager
	pool     ServerPool
	router   *router.Router
	store    memory.Store
	metrics  *observability.Metrics

	sweepInterval time.Duration
	initialized   atomic.Bool
	stopJanitor   context.CancelFunc
}

func New(sessions *session.Manager, pool ServerPool, r *router.Router, store memory.Store, metrics *observability.Metrics, sweepInterval time.Duration) *Host {
	return &Host{
		sessions:      sessions,
		pool:          pool,
		router:        r,
		store:         store,
		metrics:       metrics,
		sweepInterval: sweepInterval,
	}
}

// Start marks the host ready and launches the session janitor.
func (h *Host) Start(ctx context.Context) error {
	if !h.initialized.CompareAndSwap(false, true) {
		return protocol.NewError(protocol.CodeInvalidRequest, "host already started")
	}

	h.sessions.SetExpireHook(func(s *session.Session) {
		h.metrics.ActiveSessions.Dec()
		h.metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	janitorCtx, cancel := context.WithCancel(ctx)
	h.stopJanitor = cancel
	h.sessions.StartJanitor(janitorCtx, h.sweepInterval)
	return nil
}

// Ready reports whether the host accepts traffic.
func (h *Host) Ready() bool {
	return h.initialized.Load()
}

func (h *Host) ready() error {
	if !h.initialized.Load() {
		return protocol.NewError(protocol.CodeServerNotInitialized, "host is not started")
	}
	return nil
}

func (h *Host) CreateSession(userID, role string, metadata map[string]any) (*session.Session, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "user_id is required")
	}
	if role == "" {
		role = "student"
	}

	s := h.sessions.Create(userID, role, metadata)
	h.metrics.ActiveSessions.Inc()
	h.metrics.SessionEvents.WithLabelValues("created").Inc()
	return s, nil
}

func (h *Host) GetSession(sessionID string) (*session.Session, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return s, nil
}

func (h *Host) EndSession(sessionID string) error {
	if err := h.ready(); err != nil {
		return err
	}
	if err := h.sessions.End(sessionID); err != nil {
		return protocol.Errorf(protocol.CodeSessionNotFound, "session %q not found", sessionID)
	}
	h.metrics.ActiveSessions.Dec()
	h.metrics.SessionEvents.WithLabelValues("ended").Inc()
	return nil
}

func (h *Host) UserSessions(userID string) ([]*session.Session, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.sessions.UserSessions(userID), nil
}

func (h *Host) History(sessionID string, limit int) ([]session.Turn, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	turns, err := h.sessions.History(sessionID, limit)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return turns, nil
}

func (h *Host) ClearHistory(sessionID string) error {
	if err := h.ready(); err != nil {
		return err
	}
	if err := h.sessions.ClearHistory(sessionID); err != nil {
		return protocol.Errorf(protocol.CodeSessionNotFound, "session %q not found", sessionID)
	}
	return nil
}

// SendMessage routes one user message through the session's role server and
// the model backend.
func (h *Host) SendMessage(ctx context.Context, sessionID, text string, opts router.Options) (*router.Result, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	return h.router.ProcessUserMessage(ctx, sessionID, text, opts)
}

// Capabilities connects to the role server if needed and returns its full
// tool, resource, and prompt surface.
func (h *Host) Capabilities(ctx context.Context, role string) (*Capabilities, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	conn, err := h.pool.Connect(ctx, role)
	if err != nil {
		return nil, err
	}

	caps := &Capabilities{Role: role, ServerInfo: conn.ServerInfo()}
	if caps.Tools, err = h.pool.ListTools(ctx, role); err != nil {
		return nil, err
	}
	if caps.Resources, err = h.pool.ListResources(ctx, role); err != nil {
		log.Printf("host: list resources for role %s: %v", role, err)
		caps.Resources = nil
	}
	if caps.Prompts, err = h.pool.ListPrompts(ctx, role); err != nil {
		log.Printf("host: list prompts for role %s: %v", role, err)
		caps.Prompts = nil
	}
	return caps, nil
}

func (h *Host) ReadResource(ctx context.Context, role, uri string) (*protocol.ReadResourceResult, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if _, err := h.pool.Connect(ctx, role); err != nil {
		return nil, err
	}
	return h.pool.ReadResource(ctx, role, uri)
}

func (h *Host) Stats() Stats {
	sessionStats := h.sessions.Stats()
	return Stats{
		ActiveSessions:  sessionStats.ActiveSessions,
		TotalTurns:      sessionStats.TotalTurns,
		ConfiguredRoles: h.pool.Roles(),
	}
}

// Shutdown stops the janitor, ends every session, disconnects all role
// servers, and closes long-term memory, in that order.
func (h *Host) Shutdown(ctx context.Context) {
	if !h.initialized.CompareAndSwap(true, false) {
		return
	}
	if h.stopJanitor != nil {
		h.stopJanitor()
	}

	for _, id := range h.sessions.ActiveIDs() {
		if err := h.sessions.End(id); err == nil {
			h.metrics.ActiveSessions.Dec()
			h.metrics.SessionEvents.WithLabelValues("ended").Inc()
		}
	}

	h.pool.DisconnectAll()

	if err := h.store.Close(); err != nil {
		log.Printf("host: close memory store: %v", err)
	}
}
