// Package redisstore classifies store transport errors.
package redisstore

import (
	"context"
	"errors"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

// classify maps a go-redis error onto the engine's error taxonomy. The
// distinction that matters to callers is whether the counter mutation is known
// not to have executed (safe to treat the store as unavailable) or may have
// executed (ambiguous, must not be retried blindly).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		// The in-flight command is not retroactively cancelled; the mutation
		// may still apply server side.
		return core.Wrap(core.CodeCanceled, op+": request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		// The deadline can fire after the command was written to the socket,
		// so the outcome is unknown.
		return core.Wrap(core.CodeAmbiguousMutation, op+": store deadline exceeded", errors.Join(core.ErrAmbiguousMutation, err))
	case errors.Is(err, redis.ErrPoolTimeout):
		// Never dispatched: no connection was obtained.
		return core.Wrap(core.CodeStoreUnavailable, op+": connection pool exhausted", errors.Join(core.ErrStoreUnavailable, err))
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return core.Wrap(core.CodeStoreUnavailable, op+": store unreachable", errors.Join(core.ErrStoreUnavailable, err))
	}
	return core.Wrap(core.CodeStoreUnavailable, op+": store error", errors.Join(core.ErrStoreUnavailable, err))
}
