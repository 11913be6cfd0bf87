package reliability

import (
	"errors"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
)

// IsRetryableHTTPStatus classifies retryable model-backend HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRPC classifies connection-layer errors worth another handshake
// attempt. Validation failures and tool-level errors are never retried.
func IsRetryableRPC(err error) bool {
	if err == nil {
		return false
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case protocol.CodeConnectionFailed, protocol.CodeInternalError:
			return true
		default:
			return false
		}
	}
	// Plain errors from process spawn or I/O are transient by default.
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
