package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jojopeligroso/mycastle-host/internal/config"
	"github.com/jojopeligroso/mycastle-host/internal/host"
	"github.com/jojopeligroso/mycastle-host/internal/observability"
	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/router"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

// Host is the facade surface the HTTP layer drives.
type Host interface {
	Ready() bool
	CreateSession(userID, role string, metadata map[string]any) (*session.Session, error)
	GetSession(sessionID string) (*session.Session, error)
	EndSession(sessionID string) error
	UserSessions(userID string) ([]*session.Session, error)
	History(sessionID string, limit int) ([]session.Turn, error)
	ClearHistory(sessionID string) error
	SendMessage(ctx context.Context, sessionID, text string, opts router.Options) (*router.Result, error)
	Capabilities(ctx context.Context, role string) (*host.Capabilities, error)
	ReadResource(ctx context.Context, role, uri string) (*protocol.ReadResourceResult, error)
	Stats() host.Stats
}

type Server struct {
	cfg      config.Config
	host     Host
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, h Host, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		host:    h,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/message", s.handleMessage)
	r.Post("/v1/sessions/{id}/clear", s.handleClearHistory)
	r.Get("/v1/capabilities", s.handleCapabilities)
	r.Get("/v1/resources/read", s.handleReadResource)
	r.Get("/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.host.Ready() {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "host is not started")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	UserID   string         `json:"user_id"`
	Role     string         `json:"role"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sessionResponse struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Turns          int            `json:"turns"`
}

func toSessionResponse(sess *session.Session) sessionResponse {
	return sessionResponse{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		Role:           sess.Role,
		Metadata:       sess.Metadata,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		Turns:          len(sess.History),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess, err := s.host.CreateSession(req.UserID, strings.TrimSpace(req.Role), req.Metadata)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	owned, err := s.host.UserSessions(userID)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(owned))
	for _, sess := range owned {
		out = append(out, toSessionResponse(sess))
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.host.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondProtocolError(w, err)
		return
	}

	resp := struct {
		sessionResponse
		History []session.Turn `json:"history"`
	}{toSessionResponse(sess), sess.History}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.host.EndSession(id); err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

type messageRequest struct {
	Text         string  `json:"text"`
	MaxToolCalls int     `json:"max_tool_calls,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.host.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Text, router.Options{
		MaxToolCalls: req.MaxToolCalls,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.host.ClearHistory(id); err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "cleared"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role == "" {
		respondError(w, http.StatusBadRequest, "missing_role", "query parameter role is required")
		return
	}

	caps, err := s.host.Capabilities(r.Context(), role)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(r.URL.Query().Get("role"))
	uri := strings.TrimSpace(r.URL.Query().Get("uri"))
	if role == "" || uri == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameters role and uri are required")
		return
	}

	result, err := s.host.ReadResource(r.Context(), role, uri)
	if err != nil {
		respondProtocolError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.host.Stats())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondProtocolError maps JSON-RPC error codes onto HTTP statuses.
func respondProtocolError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	switch perr.Code {
	case protocol.CodeInvalidRequest, protocol.CodeInvalidParams, protocol.CodeParseError:
		status, code = http.StatusBadRequest, "invalid_request"
	case protocol.CodeSessionNotFound:
		status, code = http.StatusNotFound, "session_not_found"
	case protocol.CodeResourceNotFound:
		status, code = http.StatusNotFound, "resource_not_found"
	case protocol.CodeMethodNotFound:
		status, code = http.StatusNotFound, "method_not_found"
	case protocol.CodeServerNotInitialized:
		status, code = http.StatusServiceUnavailable, "not_ready"
	case protocol.CodeConnectionFailed:
		status, code = http.StatusBadGateway, "connection_failed"
	case protocol.CodeToolExecutionFailed:
		status, code = http.StatusBadGateway, "tool_execution_failed"
	}
	respondError(w, status, code, perr.Message)
}
