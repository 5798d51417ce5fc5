// Package events carries the single per-request event emitted by the
// pipeline to logging, metrics and persistence sinks.
package events

import (
	"errors"
	"io"
	"time"
)

// Event describes one completed request. It never carries credentials.
type Event struct {
	Time      time.Time     `json:"time"`
	RequestID string        `json:"request_id"`
	Identity  string        `json:"identity"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Stage     string        `json:"stage"`
	Cache     string        `json:"cache,omitempty"` // "hit", "miss" or empty
	Error     string        `json:"error,omitempty"` // rejection reason or upstream error kind
	ClientIP  string        `json:"client_ip"`
	UserAgent string        `json:"user_agent,omitempty"`
	BytesOut  int           `json:"bytes_out"`
}

// Sink receives events. Emit must not block the request path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
