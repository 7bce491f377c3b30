// Package redisstore implements the counter store against Redis. Every
// algorithm step runs as a single Lua script, so concurrent increments and
// refills for one key are serialized by the server regardless of how many
// gateway instances call in.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

//go:embed fixed_window.lua
var fixedWindowSource string

//go:embed sliding_window.lua
var slidingWindowSource string

//go:embed token_bucket.lua
var tokenBucketSource string

var (
	fixedWindowScript   = redis.NewScript(fixedWindowSource)
	slidingWindowScript = redis.NewScript(slidingWindowSource)
	tokenBucketScript   = redis.NewScript(tokenBucketSource)
)

// DefaultKeyPrefix namespaces all limiter keys.
const DefaultKeyPrefix = "limitd:"

// Options configures the Redis-backed store.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
	// HealthTimeout bounds the ping issued by Healthy.
	HealthTimeout time.Duration
}

// Store implements core.CounterStore on Redis.
type Store struct {
	client        redis.UniversalClient
	prefix        string
	now           func() time.Time
	keys          *keyBufferPool
	healthTimeout time.Duration
}

// New connects to Redis, verifies connectivity and preloads the scripts.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	store, err := NewWithClient(ctx, client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewWithClient wraps an existing client, for cluster setups and tests.
func NewWithClient(ctx context.Context, client redis.UniversalClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 500 * time.Millisecond
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	// Preload so pipelined EVALSHA calls do not hit NOSCRIPT on first use.
	for _, script := range []*redis.Script{fixedWindowScript, slidingWindowScript, tokenBucketScript} {
		if err := script.Load(pingCtx, client).Err(); err != nil {
			return nil, fmt.Errorf("script load: %w", err)
		}
	}
	return &Store{
		client:        client,
		prefix:        prefix,
		now:           time.Now,
		keys:          newKeyBufferPool(96),
		healthTimeout: healthTimeout,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.now = now
}

// Healthy reports whether the store answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	if s == nil || s.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	return s.client.Ping(pingCtx).Err() == nil
}

// Close releases the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Pipeline creates a new pipeline.
func (s *Store) Pipeline() core.CounterPipeline {
	return &pipeline{store: s}
}

// ExecFixedWindow executes a fixed window decision.
func (s *Store) ExecFixedWindow(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	now := s.now()
	storeKey := s.keys.buildKey(s.prefix, core.AlgorithmFixedWindow, policy, key, 0)
	result, err := fixedWindowScript.Run(ctx, s.client,
		[]string{storeKey},
		policy.Limit, policy.Window.Milliseconds(), cost, now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, classify("fixed_window", err)
	}
	return parseDecision(result, policy.Limit)
}

// ExecSlidingWindow executes a sliding window decision.
func (s *Store) ExecSlidingWindow(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	now := s.now()
	currKey, prevKey := s.slidingKeys(key, policy, now)
	result, err := slidingWindowScript.Run(ctx, s.client,
		[]string{currKey, prevKey},
		policy.Limit, policy.Window.Milliseconds(), cost, now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, classify("sliding_window", err)
	}
	return parseDecision(result, policy.Limit)
}

// ExecTokenBucket executes a token bucket decision.
func (s *Store) ExecTokenBucket(ctx context.Context, key string, policy *core.Policy, cost int64) (*core.Decision, error) {
	now := s.now()
	storeKey := s.keys.buildKey(s.prefix, core.AlgorithmTokenBucket, policy, key, 0)
	result, err := tokenBucketScript.Run(ctx, s.client,
		[]string{storeKey},
		formatRate(policy.RefillRate), policy.Capacity(), cost, formatNow(now),
	).Result()
	if err != nil {
		return nil, classify("token_bucket", err)
	}
	return parseDecision(result, policy.Limit)
}

// slidingKeys returns the rotating current and previous window keys.
func (s *Store) slidingKeys(key string, policy *core.Policy, now time.Time) (string, string) {
	windowMillis := policy.Window.Milliseconds()
	nowMillis := now.UnixMilli()
	windowStart := nowMillis - nowMillis%windowMillis
	curr := s.keys.buildKey(s.prefix, core.AlgorithmSlidingWindow, policy, key, windowStart)
	prev := s.keys.buildKey(s.prefix, core.AlgorithmSlidingWindow, policy, key, windowStart-windowMillis)
	return curr, prev
}

// parseDecision interprets the uniform {allowed, remaining, retry_after_ms,
// reset_after_ms} script reply.
func parseDecision(result any, limit int64) (*core.Decision, error) {
	values, ok := result.([]any)
	if !ok || len(values) != 4 {
		return nil, core.Wrap(core.CodeStoreUnavailable, "unexpected script reply shape", core.ErrStoreUnavailable)
	}
	return &core.Decision{
		Allowed:    toInt64(values[0]) == 1,
		Remaining:  toInt64(values[1]),
		Limit:      limit,
		RetryAfter: time.Duration(toInt64(values[2])) * time.Millisecond,
		ResetAfter: time.Duration(toInt64(values[3])) * time.Millisecond,
	}, nil
}

// toInt64 tolerates the integer, float and string forms Lua replies come in.
func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		var parsed float64
		_, _ = fmt.Sscanf(v, "%g", &parsed)
		return int64(parsed)
	default:
		return 0
	}
}

// formatRate keeps fractional refill rates precise on the wire.
func formatRate(rate float64) string {
	return fmt.Sprintf("%g", rate)
}

// formatNow passes wall time as fractional seconds for smooth refills.
func formatNow(now time.Time) string {
	return fmt.Sprintf("%.6f", float64(now.UnixMicro())/1e6)
}
