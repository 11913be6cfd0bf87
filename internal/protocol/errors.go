package protocol

import "fmt"

// ErrorCode is the closed set of failure codes used across the host. The
// negative range follows the JSON-RPC reserved-code convention; the -320xx
// block extends it with orchestration-specific codes.
type ErrorCode int

const (
	CodeParseError           ErrorCode = -32700
	CodeInvalidRequest       ErrorCode = -32600
	CodeMethodNotFound       ErrorCode = -32601
	CodeInvalidParams        ErrorCode = -32602
	CodeInternalError        ErrorCode = -32603
	CodeServerNotInitialized ErrorCode = -32002

	CodeConnectionFailed    ErrorCode = -32010
	CodeToolExecutionFailed ErrorCode = -32011
	CodeResourceNotFound    ErrorCode = -32012
	CodeSessionNotFound     ErrorCode = -32013
)

// Error is the tagged error type shared by the transport, connection, and host
// layers. It doubles as the JSON-RPC error object on the wire.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with an optional data payload.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a data payload and returns the error for chaining.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}
