package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
	"github.com/jojopeligroso/mycastle-host/internal/router"
)

type wsClientMessage struct {
	Text         string `json:"text"`
	MaxToolCalls int    `json:"max_tool_calls,omitempty"`
}

type wsResult struct {
	Type string `json:"type"`
	*router.Result
}

type wsError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleSessionWS runs an interactive chat over a websocket: one inbound text
// message produces exactly one result or error frame. Turns are processed
// sequentially per connection.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.host.GetSession(sessionID); err != nil {
		respondProtocolError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.writeWS(conn, wsError{Type: "error", Code: "invalid_client_message", Message: err.Error()})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))

		result, err := s.host.SendMessage(r.Context(), sessionID, msg.Text, router.Options{
			MaxToolCalls: msg.MaxToolCalls,
		})
		if err != nil {
			code := "internal_error"
			var perr *protocol.Error
			if errors.As(err, &perr) {
				code = wsCode(perr.Code)
			}
			if !s.writeWS(conn, wsError{Type: "error", Code: code, Message: err.Error()}) {
				return
			}
			continue
		}

		if !s.writeWS(conn, wsResult{Type: "result", Result: result}) {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		return false
	}
	return true
}

func wsCode(code protocol.ErrorCode) string {
	switch code {
	case protocol.CodeInvalidRequest, protocol.CodeInvalidParams:
		return "invalid_request"
	case protocol.CodeSessionNotFound:
		return "session_not_found"
	case protocol.CodeConnectionFailed:
		return "connection_failed"
	case protocol.CodeToolExecutionFailed:
		return "tool_execution_failed"
	default:
		return "internal_error"
	}
}
