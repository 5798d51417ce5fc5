package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies a failed upstream call. Backend responses of any status
// are not errors.
type Kind int

const (
	// KindTimeout - the call did not finish within the configured timeout
	KindTimeout Kind = iota + 1

	// KindConnectionFailed - connection, protocol or circuit breaker failure
	KindConnectionFailed

	// KindCanceled - the inbound client went away and the call was abandoned
	KindCanceled

	// KindInvalidRequest - the inbound request could not be turned into an upstream one
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindCanceled:
		return "canceled"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is returned by Forward for every transport-level failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}
