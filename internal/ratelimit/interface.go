package ratelimit

import (
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long a rejected client should wait. Zero when allowed.
	RetryAfter time.Duration
	// ResetAfter is the time until the client's quota is fully restored.
	ResetAfter time.Duration
}

// Limiter admits or rejects requests per client key. Implementations keep all
// state in process memory and are safe for concurrent use: admits for the
// same key are linearized, admits for different keys do not block each other.
type Limiter interface {
	// Admit records a request for key at now and reports whether it fits the quota.
	Admit(key string, now time.Time) Decision

	// Sweep drops entries that carry no state beyond a fresh one and returns
	// how many were removed.
	Sweep(now time.Time) int

	// Len returns the number of tracked keys.
	Len() int

	Limit() int

	Window() time.Duration
}
