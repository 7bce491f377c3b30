// Package core implements the limiter engine.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/observability"
)

// DefaultStoreTimeout bounds the single store round trip per check. The store
// is expected to be co-located and low latency.
const DefaultStoreTimeout = 50 * time.Millisecond

// EngineOptions configures an Engine.
type EngineOptions struct {
	StoreTimeout time.Duration
	Breaker      *CircuitBreaker
	DenyCache    *DenyCache
	Metrics      observability.Metrics
	Logger       observability.Logger
	Clock        func() time.Time
}

// Engine decides whether requests are allowed. It is stateless between calls:
// all authoritative counter state lives in the CounterStore, which serializes
// concurrent mutations per key. The only local state is the non-authoritative
// DenyCache and the breaker.
type Engine struct {
	store   CounterStore
	breaker *CircuitBreaker
	deny    *DenyCache
	timeout time.Duration
	metrics observability.Metrics
	logger  observability.Logger
	now     func() time.Time
}

// NewEngine constructs an Engine backed by the given store.
func NewEngine(store CounterStore, opts EngineOptions) (*Engine, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   store,
		breaker: opts.Breaker,
		deny:    opts.DenyCache,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		now:     now,
	}, nil
}

// Check evaluates one request against a policy. The policy must already be
// validated (policies are checked at load time, not per call). On store
// failure no decision is guessed: the caller owns the fail-open/fail-closed
// choice.
func (e *Engine) Check(ctx context.Context, key string, policy *Policy, cost int64) (*Decision, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("engine is not initialized")
	}
	if key == "" {
		return nil, Wrap(CodeInvalidInput, "key is required", ErrInvalidInput)
	}
	if policy == nil {
		return nil, Wrap(CodeInvalidPolicy, "policy is required", ErrInvalidPolicy)
	}
	if cost < 1 {
		return nil, Wrap(CodeInvalidInput, "cost must be at least 1", ErrInvalidInput)
	}
	start := e.now()
	defer func() {
		e.metrics.ObserveLatency("check", time.Since(start))
	}()

	if denied, until := e.deny.KnownDenied(key, policy.ID, start); denied {
		e.metrics.IncCheck("denied_cached", string(policy.Algorithm))
		return &Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      policy.Limit,
			RetryAfter: until.Sub(start),
			ResetAfter: until.Sub(start),
		}, nil
	}

	if e.breaker != nil && !e.breaker.Allow() {
		e.metrics.IncStoreError("check", "breaker_open")
		return nil, Wrap(CodeStoreUnavailable, "circuit breaker open", ErrStoreUnavailable)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decision, err := e.exec(execCtx, key, policy, cost)
	if err != nil {
		e.recordStoreFailure(err)
		e.metrics.IncStoreError("check", string(CodeOf(err)))
		return nil, err
	}
	e.breaker.OnSuccess()

	if decision.Allowed {
		e.metrics.IncCheck("allowed", string(policy.Algorithm))
	} else {
		e.metrics.IncCheck("denied", string(policy.Algorithm))
		if decision.RetryAfter > 0 {
			e.deny.MarkDenied(key, policy.ID, start.Add(decision.RetryAfter), start)
		}
	}
	return decision, nil
}

// CheckBatch evaluates many key/cost pairs against one policy in a single
// store round trip. The deny cache is bypassed: a pipeline is already one
// round trip, so there is nothing to save.
func (e *Engine) CheckBatch(ctx context.Context, keys []string, policy *Policy, costs []int64) ([]*Decision, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("engine is not initialized")
	}
	if policy == nil {
		return nil, Wrap(CodeInvalidPolicy, "policy is required", ErrInvalidPolicy)
	}
	if len(keys) == 0 {
		return []*Decision{}, nil
	}
	if len(costs) != len(keys) {
		return nil, Wrap(CodeInvalidInput, "keys and costs length mismatch", ErrInvalidInput)
	}
	for i, key := range keys {
		if key == "" {
			return nil, Wrap(CodeInvalidInput, "key is required", ErrInvalidInput)
		}
		if costs[i] < 1 {
			return nil, Wrap(CodeInvalidInput, "cost must be at least 1", ErrInvalidInput)
		}
	}
	if e.breaker != nil && !e.breaker.Allow() {
		e.metrics.IncStoreError("checkBatch", "breaker_open")
		return nil, Wrap(CodeStoreUnavailable, "circuit breaker open", ErrStoreUnavailable)
	}
	start := e.now()
	defer func() {
		e.metrics.ObserveLatency("checkBatch", time.Since(start))
	}()

	pipe := e.store.Pipeline()
	for i, key := range keys {
		switch policy.Algorithm {
		case AlgorithmFixedWindow:
			pipe.ExecFixedWindow(key, policy, costs[i])
		case AlgorithmSlidingWindow:
			pipe.ExecSlidingWindow(key, policy, costs[i])
		case AlgorithmTokenBucket:
			pipe.ExecTokenBucket(key, policy, costs[i])
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	decisions, err := pipe.Exec(execCtx)
	if err != nil {
		e.recordStoreFailure(err)
		e.metrics.IncStoreError("checkBatch", string(CodeOf(err)))
		return nil, err
	}
	if len(decisions) != len(keys) {
		e.breaker.OnFailure()
		return nil, Wrap(CodeStoreUnavailable, "store returned short batch", ErrStoreUnavailable)
	}
	e.breaker.OnSuccess()
	for _, decision := range decisions {
		if decision.Allowed {
			e.metrics.IncCheck("allowed", string(policy.Algorithm))
		} else {
			e.metrics.IncCheck("denied", string(policy.Algorithm))
		}
	}
	return decisions, nil
}

// recordStoreFailure feeds the breaker. Caller cancellation says nothing about
// store health, so it never counts toward opening the breaker.
func (e *Engine) recordStoreFailure(err error) {
	if CodeOf(err) == CodeCanceled {
		return
	}
	e.breaker.OnFailure()
}

func (e *Engine) exec(ctx context.Context, key string, policy *Policy, cost int64) (*Decision, error) {
	switch policy.Algorithm {
	case AlgorithmFixedWindow:
		return e.store.ExecFixedWindow(ctx, key, policy, cost)
	case AlgorithmSlidingWindow:
		return e.store.ExecSlidingWindow(ctx, key, policy, cost)
	case AlgorithmTokenBucket:
		return e.store.ExecTokenBucket(ctx, key, policy, cost)
	default:
		return nil, Wrap(CodeInvalidPolicy, "unsupported algorithm", ErrInvalidPolicy)
	}
}
