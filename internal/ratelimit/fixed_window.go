package ratelimit

import (
	"time"
)

type fixedWindowState struct {
	count int
	start time.Time
}

// FixedWindowLimiter counts requests per key in windows that start at the
// key's first request and restart once window has elapsed.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	table  *table[fixedWindowState]
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		limit:  limit,
		window: window, // Window of time duration
		table:  newTable[fixedWindowState](),
	}
}

func (f *FixedWindowLimiter) Admit(key string, now time.Time) Decision {
	return f.table.update(key, func(s *fixedWindowState) Decision {
		elapsed := now.Sub(s.start)
		if s.start.IsZero() || elapsed >= f.window {
			s.count = 0
			s.start = now
			elapsed = 0
		}
		if elapsed < 0 {
			elapsed = 0
		}
		resetAfter := f.window - elapsed

		if s.count < f.limit {
			s.count++
			return Decision{
				Allowed:    true,
				Limit:      f.limit,
				Remaining:  f.limit - s.count,
				ResetAfter: resetAfter,
			}
		}

		return Decision{
			Allowed:    false,
			Limit:      f.limit,
			Remaining:  0,
			RetryAfter: resetAfter,
			ResetAfter: resetAfter,
		}
	})
}

// Sweep removes keys whose window has expired, which makes their effective
// count zero, and keys that never recorded a request.
func (f *FixedWindowLimiter) Sweep(now time.Time) int {
	return f.table.sweep(func(s *fixedWindowState) bool {
		return s.count == 0 || now.Sub(s.start) >= f.window
	})
}

func (f *FixedWindowLimiter) Len() int {
	return f.table.len()
}

func (f *FixedWindowLimiter) Limit() int {
	return f.limit
}

func (f *FixedWindowLimiter) Window() time.Duration {
	return f.window
}
