// Package connectivity holds the resilience primitives wrapped around
// connector fetches: bounded exponential retry with per-attempt timeouts, and
// a per-connector circuit breaker.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy configures Retry.
type Policy struct {
	// MaxAttempts is the total number of calls, first one included. Default: 3.
	MaxAttempts int
	// BaseBackoff is the wait before the second attempt, doubled each time.
	// Default: 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait. Default: 1m.
	MaxBackoff time.Duration
	// AttemptTimeout bounds one call. Zero disables it.
	AttemptTimeout time.Duration
}

func (p *Policy) defaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Minute
	}
}

// Backoff returns the wait before attempt n+1 (n starts at 0).
func (p Policy) Backoff(n int) time.Duration {
	p.defaults()
	wait := p.BaseBackoff << uint(n)
	if wait <= 0 || wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}

// Verdict tells Retry what to do with a failed attempt.
type Verdict struct {
	Retry bool
	// MinWait, if set, raises the backoff for this attempt (e.g. Retry-After).
	MinWait time.Duration
}

// Classifier maps an attempt error to a Verdict.
type Classifier func(err error) Verdict

// AlwaysRetry retries every error.
func AlwaysRetry(error) Verdict { return Verdict{Retry: true} }

// Retry calls fn until it succeeds, classify says stop, attempts run out, or
// ctx is done. It returns the number of attempts made and the last error.
// Each attempt gets its own timeout when AttemptTimeout is set.
func Retry(ctx context.Context, p Policy, classify Classifier, logger *slog.Logger, fn func(ctx context.Context) error) (int, error) {
	p.defaults()
	if classify == nil {
		classify = AlwaysRetry
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := callOnce(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt + 1, lastErr
		}
		v := classify(err)
		if !v.Retry || attempt == p.MaxAttempts-1 {
			return attempt + 1, lastErr
		}

		wait := p.Backoff(attempt)
		if v.MinWait > wait {
			wait = v.MinWait
		}
		if logger != nil {
			logger.WarnContext(ctx, "retrying call",
				"attempt", attempt+1,
				"max_attempts", p.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, lastErr
		case <-t.C:
		}
	}
	return p.MaxAttempts, lastErr
}

func callOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &ErrCallTimeout{Timeout: timeout, Cause: err}
	}
	return err
}
