// Package core defines counter store interfaces.
package core

import "context"

// CounterStore is the shared, atomic source of truth for counter records.
// Every algorithm step is a single server-side read-modify-write; the engine
// holds no authoritative state between calls.
type CounterStore interface {
	Healthy(ctx context.Context) bool
	Pipeline() CounterPipeline
	ExecFixedWindow(ctx context.Context, key string, policy *Policy, cost int64) (*Decision, error)
	ExecSlidingWindow(ctx context.Context, key string, policy *Policy, cost int64) (*Decision, error)
	ExecTokenBucket(ctx context.Context, key string, policy *Policy, cost int64) (*Decision, error)
	Close() error
}

// CounterPipeline queues store operations for a single round trip.
type CounterPipeline interface {
	ExecFixedWindow(key string, policy *Policy, cost int64)
	ExecSlidingWindow(key string, policy *Policy, cost int64)
	ExecTokenBucket(key string, policy *Policy, cost int64)
	Exec(ctx context.Context) ([]*Decision, error)
}
