package main

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CoalescerStats counts physical calls and the callers that received a
// result shared with at least one other caller.
type CoalescerStats struct {
	Calls  int64 `json:"calls"`
	Shared int64 `json:"shared"`
}

// RequestCoalescer merges concurrent calls with the same key into one
// physical call. Every caller gets its own copy of the result.
type RequestCoalescer[V any] struct {
	group singleflight.Group
	clone func(V) V

	calls  atomic.Int64
	shared atomic.Int64
}

// NewRequestCoalescer creates a coalescer. clone must return a value that
// shares no mutable memory with its argument; nil means V is copied by value.
func NewRequestCoalescer[V any](clone func(V) V) *RequestCoalescer[V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	return &RequestCoalescer[V]{clone: clone}
}

// Do runs fn once per key among concurrent callers. fn receives a context
// detached from any single caller's cancellation, so one caller leaving does
// not fail the others; a caller whose ctx ends stops waiting and gets ctx.Err().
// The key is forgotten when fn returns, successful or not.
func (c *RequestCoalescer[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, bool, error) {
	flightCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (any, error) {
		c.calls.Add(1)
		return fn(flightCtx)
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return c.clone(res.Val.(V)), res.Shared, nil
	}
}

// Stats returns the current counters.
func (c *RequestCoalescer[V]) Stats() CoalescerStats {
	return CoalescerStats{
		Calls:  c.calls.Load(),
		Shared: c.shared.Load(),
	}
}
