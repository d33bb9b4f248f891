// Package idgen provides pluggable ID generation for procura.
//
// Every identifier the pipeline hands out (canonical opportunity IDs, run IDs,
// audit entry IDs) goes through a Generator so tests can swap in a
// deterministic sequence.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// v7 IDs sort by creation time, which keeps audit entry IDs time-ordered.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix000001, prefix000002, ...
// Intended for tests that need stable identifiers.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%06d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Type-scoped generators.
var (
	Opportunity Generator = Prefixed("opp_", Default)
	Run         Generator = Prefixed("run_", Default)
	Audit       Generator = Prefixed("aud_", Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a (possibly prefixed) UUID and returns it unchanged.
func Parse(s string) (string, error) {
	raw := s
	if i := strings.IndexByte(s, '_'); i >= 0 {
		raw = s[i+1:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return s, nil
}
