package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage is returned when a status callback references a
	// provider message id with no Message row.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrStaleClaim marks a processing entry whose claim outlived the
	// claim timeout without reaching a terminal state.
	ErrStaleClaim = errors.New("stale claim")
)

// Error codes written to message_queues.error_code.
const (
	CodeTimeout     = "timeout"
	CodeNetwork     = "network"
	CodeRateLimited = "rate_limited"
	CodeProvider5xx = "provider_5xx"
	CodeStaleClaim  = "stale_claim"
	CodeRejected    = "provider_rejected"
	CodeInternal    = "internal"
)

// ValidationError rejects an admission request. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// TransientDispatchError is retried with backoff up to max_attempts.
type TransientDispatchError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("transient dispatch error (%s): %s", e.Code, e.Message)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// PermanentDispatchError fails the entry immediately.
type PermanentDispatchError struct {
	Code    string
	Message string
	Err     error
}

func (e *PermanentDispatchError) Error() string {
	return fmt.Sprintf("permanent dispatch error (%s): %s", e.Code, e.Message)
}

func (e *PermanentDispatchError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a PermanentDispatchError.
func IsPermanent(err error) bool {
	var p *PermanentDispatchError
	return errors.As(err, &p)
}

// ErrorDetails extracts the code and message to record on the owning row.
// Errors outside the dispatch taxonomy are reported as internal.
func ErrorDetails(err error) (code, message string) {
	var p *PermanentDispatchError
	if errors.As(err, &p) {
		return p.Code, p.Message
	}
	var t *TransientDispatchError
	if errors.As(err, &t) {
		return t.Code, t.Message
	}
	if errors.Is(err, ErrStaleClaim) {
		return CodeStaleClaim, err.Error()
	}
	return CodeInternal, err.Error()
}
