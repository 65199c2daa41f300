package browser

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotStarted      = errors.New("browser session not started")
	ErrUnavailable     = errors.New("browser transport unavailable")
	ErrSessionClosed   = errors.New("browser session closed")
	ErrReconnectFailed = errors.New("browser reconnect attempts exhausted")
)

// Transport error codes.
const (
	CodeUnavailable    = "unavailable"
	CodeConnectionLost = "connection_lost"
	CodeTimeout        = "timeout"
	CodeNotFound       = "not_found"
	CodeUnsupported    = "unsupported"
	CodeRemote         = "remote"
)

// TransportError wraps a failure reported by the control surface.
type TransportError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("browser %s [%s]: %s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("browser %s [%s]: %s", e.Op, e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a TransportError.
func NewTransportError(op, code, message string) *TransportError {
	return &TransportError{Op: op, Code: code, Message: message}
}

// WrapTransportError wraps err with transport context. Deadline errors are
// classified as timeouts.
func WrapTransportError(op, code, message string, err error) *TransportError {
	if err != nil && code == "" {
		code = CodeRemote
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
	}
	return &TransportError{Op: op, Code: code, Message: message, Err: err}
}

// IsConnectionError reports whether err means the control surface went away
// or could not be reached.
func IsConnectionError(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code == CodeConnectionLost || te.Code == CodeUnavailable
	}
	return false
}

// IsTimeout reports whether err is a transport deadline failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.Code == CodeTimeout
}

// IsRetryableError reports whether another attempt against a fresh snapshot
// could succeed. Page failures are treated as transient unless the session
// cannot serve calls or the transport rejected the action outright.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotStarted) || errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrReconnectFailed) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.Code == CodeUnsupported {
		return false
	}
	return true
}
