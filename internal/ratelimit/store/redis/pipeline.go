// Package redisstore provides pipelined batch execution.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

type pipelineOp struct {
	algo   core.Algorithm
	key    string
	policy *core.Policy
	cost   int64
}

// pipeline queues script evaluations and flushes them in one round trip.
type pipeline struct {
	store *Store
	ops   []pipelineOp
}

// ExecFixedWindow queues a fixed window operation.
func (p *pipeline) ExecFixedWindow(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, pipelineOp{algo: core.AlgorithmFixedWindow, key: key, policy: policy, cost: cost})
}

// ExecSlidingWindow queues a sliding window operation.
func (p *pipeline) ExecSlidingWindow(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, pipelineOp{algo: core.AlgorithmSlidingWindow, key: key, policy: policy, cost: cost})
}

// ExecTokenBucket queues a token bucket operation.
func (p *pipeline) ExecTokenBucket(key string, policy *core.Policy, cost int64) {
	p.ops = append(p.ops, pipelineOp{algo: core.AlgorithmTokenBucket, key: key, policy: policy, cost: cost})
}

// Exec flushes the queued operations. Scripts are preloaded at connect time,
// so a NOSCRIPT reply means the server lost its script cache; reloading and
// retrying once is safe because NOSCRIPT commands were never executed.
func (p *pipeline) Exec(ctx context.Context) ([]*core.Decision, error) {
	if p.store == nil || p.store.client == nil {
		return nil, errors.New("store is nil")
	}
	if len(p.ops) == 0 {
		return []*core.Decision{}, nil
	}

	decisions, err := p.run(ctx)
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		if reloadErr := p.reloadScripts(ctx); reloadErr != nil {
			return nil, classify("pipeline", reloadErr)
		}
		decisions, err = p.run(ctx)
	}
	if err != nil {
		return nil, classify("pipeline", err)
	}
	return decisions, nil
}

func (p *pipeline) run(ctx context.Context) ([]*core.Decision, error) {
	s := p.store
	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(p.ops))
	now := s.now()

	for i, op := range p.ops {
		switch op.algo {
		case core.AlgorithmFixedWindow:
			storeKey := s.keys.buildKey(s.prefix, op.algo, op.policy, op.key, 0)
			cmds[i] = fixedWindowScript.EvalSha(ctx, pipe,
				[]string{storeKey},
				op.policy.Limit, op.policy.Window.Milliseconds(), op.cost, now.UnixMilli())
		case core.AlgorithmSlidingWindow:
			currKey, prevKey := s.slidingKeys(op.key, op.policy, now)
			cmds[i] = slidingWindowScript.EvalSha(ctx, pipe,
				[]string{currKey, prevKey},
				op.policy.Limit, op.policy.Window.Milliseconds(), op.cost, now.UnixMilli())
		case core.AlgorithmTokenBucket:
			storeKey := s.keys.buildKey(s.prefix, op.algo, op.policy, op.key, 0)
			cmds[i] = tokenBucketScript.EvalSha(ctx, pipe,
				[]string{storeKey},
				formatRate(op.policy.RefillRate), op.policy.Capacity(), op.cost, formatNow(now))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	decisions := make([]*core.Decision, len(cmds))
	for i, cmd := range cmds {
		result, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		decision, err := parseDecision(result, p.ops[i].policy.Limit)
		if err != nil {
			return nil, err
		}
		decisions[i] = decision
	}
	return decisions, nil
}

func (p *pipeline) reloadScripts(ctx context.Context) error {
	for _, script := range []*redis.Script{fixedWindowScript, slidingWindowScript, tokenBucketScript} {
		if err := script.Load(ctx, p.store.client).Err(); err != nil {
			return err
		}
	}
	return nil
}
