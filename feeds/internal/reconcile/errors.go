package reconcile

import "fmt"

// Error aborts a batch. It names the listing being reconciled when the
// underlying store or audit failure happened.
type Error struct {
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.SourceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
