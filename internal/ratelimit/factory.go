package ratelimit

import (
	"time"
)

const (
	AlgorithmFixedWindow   = "fixed_window"
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
)

// NewLimiter builds the limiter for algorithm, falling back to a fixed window.
func NewLimiter(algorithm string, limit int, window time.Duration) Limiter {
	switch algorithm {
	case AlgorithmTokenBucket:
		return NewTokenBucket(limit, window)
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(limit, window)
	case AlgorithmFixedWindow:
		return NewFixedWindow(limit, window)
	default:
		return NewFixedWindow(limit, window)
	}
}
