package connectivity

import (
	"fmt"
	"time"
)

// ErrCallTimeout is returned when one attempt exceeds Policy.AttemptTimeout.
type ErrCallTimeout struct {
	Timeout time.Duration
	Cause   error
}

func (e *ErrCallTimeout) Error() string {
	return fmt.Sprintf("connectivity: call timeout after %s: %v", e.Timeout, e.Cause)
}

func (e *ErrCallTimeout) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when the breaker for a connector is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}
