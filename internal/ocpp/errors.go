package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned by SendCall when no result arrives in time.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrCancelled is returned for outbound calls still pending when the connection closes.
	ErrCancelled = errors.New("request cancelled")
	// ErrInvalidStateTransition marks a call that is not allowed in the session's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrSessionNotFound is returned when no live session exists for a CP-ID.
	ErrSessionNotFound = errors.New("charge point session not found")
	// ErrConnClosed is returned by connections after Close.
	ErrConnClosed = errors.New("connection closed")
)

// CallError is a CALLERROR received from the remote peer, or produced by a
// handler to be sent to it.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newCallError(code ErrorCode, format string, args ...interface{}) *CallError {
	return &CallError{Code: code, Description: fmt.Sprintf(format, args...)}
}
