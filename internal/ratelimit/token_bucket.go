package ratelimit

import (
	"math"
	"time"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket refills capacity tokens evenly over window, allowing bursts of
// up to capacity requests.
type TokenBucket struct {
	capacity   int     // Total Capacity of the bucket
	refillRate float64 // Tokens per second
	window     time.Duration
	table      *table[bucketState]
}

func NewTokenBucket(capacity int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: float64(capacity) / window.Seconds(),
		window:     window,
		table:      newTable[bucketState](),
	}
}

// refilled returns the token count at now without mutating s.
func (t *TokenBucket) refilled(s *bucketState, now time.Time) float64 {
	if s.lastRefill.IsZero() {
		return float64(t.capacity)
	}
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(s.tokens+elapsed*t.refillRate, float64(t.capacity))
}

func (t *TokenBucket) secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func (t *TokenBucket) Admit(key string, now time.Time) Decision {
	return t.table.update(key, func(s *bucketState) Decision {
		// Refilling token based on time elapsed
		s.tokens = t.refilled(s, now)
		s.lastRefill = now

		// Consuming One Token for a request
		if s.tokens >= 1 {
			s.tokens--
			return Decision{
				Allowed:    true,
				Limit:      t.capacity,
				Remaining:  int(s.tokens),
				ResetAfter: t.secondsToDuration((float64(t.capacity) - s.tokens) / t.refillRate),
			}
		}

		return Decision{
			Allowed:    false,
			Limit:      t.capacity,
			Remaining:  0,
			RetryAfter: t.secondsToDuration((1 - s.tokens) / t.refillRate),
			ResetAfter: t.secondsToDuration((float64(t.capacity) - s.tokens) / t.refillRate),
		}
	})
}

// Sweep removes buckets that have refilled to capacity; they are
// indistinguishable from a new bucket.
func (t *TokenBucket) Sweep(now time.Time) int {
	return t.table.sweep(func(s *bucketState) bool {
		return t.refilled(s, now) >= float64(t.capacity)
	})
}

func (t *TokenBucket) Len() int {
	return t.table.len()
}

func (t *TokenBucket) Limit() int {
	return t.capacity
}

// Window is the time an empty bucket takes to refill completely.
func (t *TokenBucket) Window() time.Duration {
	return t.window
}
