package ratelimit

import (
	"math"
	"time"
)

type slidingWindowState struct {
	start    time.Time // start of the current window
	current  int
	previous int
}

// SlidingWindowLimiter approximates a sliding window by weighting the
// previous window's count by how much of it still overlaps the interval
// ending at now. Memory stays at two counters per key.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	table  *table[slidingWindowState]
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		table:  newTable[slidingWindowState](),
	}
}

func (s *SlidingWindowLimiter) advance(st *slidingWindowState, now time.Time) {
	if st.start.IsZero() {
		st.start = now
		return
	}
	elapsed := now.Sub(st.start)
	if elapsed < s.window {
		return
	}
	n := elapsed / s.window
	if n == 1 {
		st.previous = st.current
	} else {
		st.previous = 0
	}
	st.current = 0
	st.start = st.start.Add(n * s.window)
}

// weighted returns the estimated request count in the window ending at now.
func (s *SlidingWindowLimiter) weighted(st *slidingWindowState, now time.Time) float64 {
	elapsed := now.Sub(st.start)
	if elapsed < 0 {
		elapsed = 0
	}
	overlap := 1 - float64(elapsed)/float64(s.window)
	return float64(st.previous)*overlap + float64(st.current)
}

func (s *SlidingWindowLimiter) Admit(key string, now time.Time) Decision {
	return s.table.update(key, func(st *slidingWindowState) Decision {
		s.advance(st, now)

		elapsed := now.Sub(st.start)
		if elapsed < 0 {
			elapsed = 0
		}
		// Both windows drain completely one window after the current one ends.
		resetAfter := 2*s.window - elapsed
		if st.previous == 0 {
			resetAfter = s.window - elapsed
		}

		count := s.weighted(st, now)
		if count+1 <= float64(s.limit) {
			st.current++
			remaining := s.limit - int(math.Ceil(count)) - 1
			if remaining < 0 {
				remaining = 0
			}
			return Decision{
				Allowed:    true,
				Limit:      s.limit,
				Remaining:  remaining,
				ResetAfter: resetAfter,
			}
		}

		return Decision{
			Allowed:    false,
			Limit:      s.limit,
			Remaining:  0,
			RetryAfter: s.retryAfter(st, elapsed),
			ResetAfter: resetAfter,
		}
	})
}

// retryAfter returns the wait until one more request fits.
func (s *SlidingWindowLimiter) retryAfter(st *slidingWindowState, elapsed time.Duration) time.Duration {
	untilNext := s.window - elapsed
	if st.current+1 > s.limit || st.previous == 0 {
		// The current window alone is full; the earliest opening is when it
		// becomes the previous window and starts to decay.
		next := float64(s.window) * (1 - float64(s.limit-1)/float64(max(st.current, 1)))
		return untilNext + time.Duration(math.Max(next, 0))
	}
	// previous*(1-t/window) + current + 1 <= limit
	need := 1 - float64(s.limit-st.current-1)/float64(st.previous)
	wait := time.Duration(need*float64(s.window)) - elapsed
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Sweep removes keys whose previous and current windows have both expired.
func (s *SlidingWindowLimiter) Sweep(now time.Time) int {
	return s.table.sweep(func(st *slidingWindowState) bool {
		return st.start.IsZero() || now.Sub(st.start) >= 2*s.window
	})
}

func (s *SlidingWindowLimiter) Len() int {
	return s.table.len()
}

func (s *SlidingWindowLimiter) Limit() int {
	return s.limit
}

func (s *SlidingWindowLimiter) Window() time.Duration {
	return s.window
}
