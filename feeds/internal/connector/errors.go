package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// Unavailable covers network errors, timeouts and 5xx responses.
	Unavailable Kind = iota
	// RateLimited means the provider asked us to slow down.
	RateLimited
	// Malformed means the provider answered with a body we cannot parse.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Malformed:
		return "malformed"
	default:
		return "unavailable"
	}
}

// Error is returned by Fetch for every provider-side failure.
type Error struct {
	Connector  string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("connector %s: %s", e.Connector, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a new attempt may succeed. Malformed responses
// and 4xx answers other than 408/429 are not retried.
func (e *Error) Retryable() bool {
	if e.Kind == Malformed {
		return false
	}
	if e.Kind == Unavailable && e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 {
		return false
	}
	return true
}

// ErrDuplicateConnector is returned by Registry.Register.
var ErrDuplicateConnector = errors.New("connector: duplicate id")

// ErrUnknownKind is returned by New for an unregistered kind.
var ErrUnknownKind = errors.New("connector: unknown kind")

func unavailable(id string, err error) *Error {
	return &Error{Connector: id, Kind: Unavailable, Err: err}
}

func malformed(id string, err error) *Error {
	return &Error{Connector: id, Kind: Malformed, Err: err}
}

// AsError classifies any error returned by a connector. Deadline and
// network timeouts become Unavailable; errors that are not *Error are
// treated as Unavailable too.
func AsError(id string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(id, fmt.Errorf("timeout: %w", err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return unavailable(id, fmt.Errorf("timeout: %w", err))
	}
	return unavailable(id, err)
}
