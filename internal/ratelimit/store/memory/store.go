// Package memory provides an in-process counter store. It is the dev and test
// backend: state is local to the process, so it cannot enforce a global limit
// across replicas.
package memory

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

// DefaultMaxRecords caps how many counter records the store retains.
const DefaultMaxRecords = 100000

// sweepInterval spaces out expiry sweeps of stale records. The LRU cap bounds
// memory regardless; the sweep just reclaims dead windows and full buckets
// sooner, the way key TTLs do on a shared store.
const sweepInterval = 30 * time.Second

// Store implements core.CounterStore in memory. A single mutex serializes all
// mutations, mirroring the per-key serialization a shared atomic store
// provides.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	fixed      map[string]*fixedRecord
	sliding    map[string]*slidingRecord
	buckets    map[string]*bucketRecord
	lru        *lruKeys
	healthy    atomic.Bool
	maxRecords int
	lastSweep  time.Time
}

type fixedRecord struct {
	windowStart time.Time
	count       int64
	expiresAt   time.Time
}

type slidingRecord struct {
	windowStart time.Time
	current     int64
	previous    int64
	expiresAt   time.Time
}

type bucketRecord struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxRecords caps the number of retained counter records.
func WithMaxRecords(max int) Option {
	return func(s *Store) {
		if max > 0 {
			s.maxRecords = max
		}
	}
}

// New constructs an in-memory store.
func New(opts ...Option) *Store {
	store := &Store{
		now:        time.Now,
		fixed:      make(map[string]*fixedRecord),
		sliding:    make(map[string]*slidingRecord),
		buckets:    make(map[string]*bucketRecord),
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(store)
	}
	store.lru = newLRUKeys(store.maxRecords)
	store.healthy.Store(true)
	return store
}

// Healthy reports store health.
func (s *Store) Healthy(ctx context.Context) bool {
	if s == nil {
		return false
	}
	return s.healthy.Load()
}

// SetHealthy updates the health flag. Intended for tests and fault drills.
func (s *Store) SetHealthy(v bool) {
	if s == nil {
		return
	}
	s.healthy.Store(v)
}

// Close releases the store.
func (s *Store) Close() error {
	return nil
}

// Pipeline creates a new pipeline.
func (s *Store) Pipeline() core.CounterPipeline {
	return &pipeline{store: s}
}

// ExecFixedWindow executes a fixed window decision.
func (s *Store) ExecFixedWindow(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execFixedWindowLocked(key, policy, cost)
}

// ExecSlidingWindow executes a sliding window decision.
func (s *Store) ExecSlidingWindow(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execSlidingWindowLocked(key, policy, cost)
}

// ExecTokenBucket executes a token bucket decision.
func (s *Store) ExecTokenBucket(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execTokenBucketLocked(key, policy, cost)
}

func (s *Store) execFixedWindowLocked(key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	if err := s.checkExec(policy, cost); err != nil {
		return nil, err
	}
	now := s.now()
	window := policy.Window
	windowStart := now.Truncate(window)
	recordKey := recordKey(core.AlgorithmFixedWindow, key, policy)

	record := s.fixed[recordKey]
	if record == nil {
		record = &fixedRecord{windowStart: windowStart}
		s.fixed[recordKey] = record
	}
	if !record.windowStart.Equal(windowStart) {
		record.windowStart = windowStart
		record.count = 0
	}
	// The increment is unconditional: denied requests keep the counter
	// climbing, which keeps decisions monotonic within the window and avoids
	// a second round trip to undo the increment.
	record.count += cost
	record.expiresAt = windowStart.Add(window)
	s.touchLocked(recordKey, now)

	allowed := record.count <= policy.Limit
	remaining := policy.Limit - record.count
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := windowStart.Add(window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = resetAfter
	}
	return &core.Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      policy.Limit,
		RetryAfter: retryAfter,
		ResetAfter: resetAfter,
	}, nil
}

func (s *Store) execSlidingWindowLocked(key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	if err := s.checkExec(policy, cost); err != nil {
		return nil, err
	}
	now := s.now()
	window := policy.Window
	windowStart := now.Truncate(window)
	recordKey := recordKey(core.AlgorithmSlidingWindow, key, policy)

	record := s.sliding[recordKey]
	if record == nil {
		record = &slidingRecord{windowStart: windowStart}
		s.sliding[recordKey] = record
	}
	if !record.windowStart.Equal(windowStart) {
		if record.windowStart.Add(window).Equal(windowStart) {
			record.previous = record.current
		} else {
			// More than one full window elapsed; the old counts are stale.
			record.previous = 0
		}
		record.current = 0
		record.windowStart = windowStart
	}
	record.current += cost
	// Kept for one extra window so it can serve as the previous window.
	record.expiresAt = windowStart.Add(2 * window)
	s.touchLocked(recordKey, now)

	// Weighted two-window approximation: the previous window contributes in
	// proportion to how much of it still overlaps the trailing window. The
	// true instantaneous rate can transiently exceed the limit but never by
	// more than a factor of two.
	elapsedFraction := float64(now.Sub(windowStart)) / float64(window)
	weighted := float64(record.previous) * (1 - elapsedFraction)
	effective := float64(record.current) + weighted

	allowed := effective <= float64(policy.Limit)
	remaining := policy.Limit - int64(math.Ceil(effective))
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := windowStart.Add(window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = resetAfter
	}
	return &core.Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      policy.Limit,
		RetryAfter: retryAfter,
		ResetAfter: resetAfter,
	}, nil
}

func (s *Store) execTokenBucketLocked(key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	if err := s.checkExec(policy, cost); err != nil {
		return nil, err
	}
	now := s.now()
	capacity := float64(policy.Capacity())
	rate := policy.RefillRate
	recordKey := recordKey(core.AlgorithmTokenBucket, key, policy)

	record := s.buckets[recordKey]
	if record == nil {
		record = &bucketRecord{tokens: capacity, lastRefill: now}
		s.buckets[recordKey] = record
	}
	elapsed := now.Sub(record.lastRefill).Seconds()
	if elapsed > 0 {
		record.tokens = math.Min(capacity, record.tokens+elapsed*rate)
	}
	// The refill is persisted even on denial so no refill is lost.
	record.lastRefill = now
	allowed := record.tokens >= float64(cost)
	if allowed {
		record.tokens -= float64(cost)
	}
	// Once the bucket refills to capacity the record equals a missing one.
	record.expiresAt = now.Add(time.Duration((capacity - record.tokens) / rate * float64(time.Second)))
	s.touchLocked(recordKey, now)

	remaining := int64(math.Floor(record.tokens))
	retryAfter := time.Duration(0)
	if !allowed {
		needed := float64(cost) - record.tokens
		if needed < 0 {
			needed = 0
		}
		retryAfter = time.Duration(needed / rate * float64(time.Second))
	}
	resetAfter := time.Duration((capacity - record.tokens) / rate * float64(time.Second))
	if resetAfter < 0 {
		resetAfter = 0
	}
	return &core.Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      policy.Limit,
		RetryAfter: retryAfter,
		ResetAfter: resetAfter,
	}, nil
}

func (s *Store) checkExec(policy *core.Policy, cost int64) error {
	if !s.healthy.Load() {
		return core.Wrap(core.CodeStoreUnavailable, "memory store marked unhealthy", core.ErrStoreUnavailable)
	}
	if policy == nil || cost <= 0 || policy.Limit <= 0 {
		return core.Wrap(core.CodeInvalidInput, "invalid policy or cost", core.ErrInvalidInput)
	}
	return nil
}

func (s *Store) touchLocked(key string, now time.Time) {
	s.lru.touch(key)
	for _, evicted := range s.lru.evictIfNeeded() {
		delete(s.fixed, evicted)
		delete(s.sliding, evicted)
		delete(s.buckets, evicted)
	}
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
		s.lastSweep = now
	}
}

// sweepLocked reclaims records whose window or refill horizon has passed.
func (s *Store) sweepLocked(now time.Time) {
	for key, record := range s.fixed {
		if record.expiresAt.Before(now) {
			delete(s.fixed, key)
			s.lru.remove(key)
		}
	}
	for key, record := range s.sliding {
		if record.expiresAt.Before(now) {
			delete(s.sliding, key)
			s.lru.remove(key)
		}
	}
	for key, record := range s.buckets {
		if record.expiresAt.Before(now) {
			delete(s.buckets, key)
			s.lru.remove(key)
		}
	}
}

// recordKey embeds the policy id and version so reconfigured policies start
// from fresh counter records.
func recordKey(algo core.Algorithm, key string, policy *core.Policy) string {
	return string(algo) + "\x1f" + policy.ID + "\x1f" + strconv.FormatInt(policy.Version, 10) + "\x1f" + key
}

type storeOpKind int

const (
	opFixedWindow storeOpKind = iota
	opSlidingWindow
	opTokenBucket
)

type storeOp struct {
	kind   storeOpKind
	key    string
	policy *core.Policy
	cost   int64
}

type pipeline struct {
	store *Store
	ops   []storeOp
}

// ExecFixedWindow queues a fixed window operation.
func (p *pipeline) ExecFixedWindow(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, storeOp{kind: opFixedWindow, key: key, policy: policy, cost: cost})
}

// ExecSlidingWindow queues a sliding window operation.
func (p *pipeline) ExecSlidingWindow(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, storeOp{kind: opSlidingWindow, key: key, policy: policy, cost: cost})
}

// ExecTokenBucket queues a token bucket operation.
func (p *pipeline) ExecTokenBucket(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, storeOp{kind: opTokenBucket, key: key, policy: policy, cost: cost})
}

// Exec runs queued operations under one lock acquisition.
func (p *pipeline) Exec(ctx context.Context) ([]*core.Decision, error) {
	if p.store == nil {
		return nil, errors.New("store is nil")
	}
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	decisions := make([]*core.Decision, len(p.ops))
	for i, op := range p.ops {
		var (
			decision *core.Decision
			err      error
		)
		switch op.kind {
		case opFixedWindow:
			decision, err = s.execFixedWindowLocked(op.key, op.policy, op.cost)
		case opSlidingWindow:
			decision, err = s.execSlidingWindowLocked(op.key, op.policy, op.cost)
		case opTokenBucket:
			decision, err = s.execTokenBucketLocked(op.key, op.policy, op.cost)
		}
		if err != nil {
			return nil, err
		}
		decisions[i] = decision
	}
	return decisions, nil
}
