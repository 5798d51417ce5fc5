package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Coalescer collapses concurrent misses for the same key into one call.
// The shared call runs detached from any single caller's cancellation, so
// one client disconnecting does not fail the others; each caller still
// stops waiting when its own context ends.
type Coalescer[T any] struct {
	group singleflight.Group
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was produced for another caller too.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}
