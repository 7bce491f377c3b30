package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/config"
	"github.com/limitd/limitd/internal/ratelimit/core"
	"github.com/limitd/limitd/internal/ratelimit/observability"
)

// Limiter is the decision surface the shim needs from the engine.
type Limiter interface {
	Check(ctx context.Context, key, policyID string, cost int64) (*core.Decision, error)
}

// Options configures the gateway shim.
type Options struct {
	// PolicyID names the policy applied to every request passing through
	// this middleware instance. Mount separate instances per route group
	// for per-route policies.
	PolicyID string

	// Extractor derives the limit key. Required.
	Extractor KeyExtractor

	// Cost charged per request. Defaults to 1.
	Cost int64

	// FailMode decides what happens when no decision can be obtained.
	// There is no default; the deployment must choose.
	FailMode config.FailMode

	Metrics observability.Metrics
	Logger  observability.Logger
	Clock   func() time.Time
}

// Middleware enforces a policy on wrapped handlers. Denied requests get 429
// with Retry-After; indeterminate checks follow the configured fail mode.
type Middleware struct {
	engine    Limiter
	policyID  string
	extractor KeyExtractor
	cost      int64
	failMode  config.FailMode
	metrics   observability.Metrics
	logger    observability.Logger
	now       func() time.Time
}

// NewMiddleware builds the shim. The fail mode must be explicitly set.
func NewMiddleware(engine Limiter, opts Options) (*Middleware, error) {
	if engine == nil {
		return nil, core.Wrap(core.CodeInvalidInput, "engine is required", core.ErrInvalidInput)
	}
	if opts.PolicyID == "" {
		return nil, core.Wrap(core.CodeInvalidInput, "policy id is required", core.ErrInvalidInput)
	}
	if opts.Extractor == nil {
		return nil, core.Wrap(core.CodeInvalidInput, "key extractor is required", core.ErrInvalidInput)
	}
	if opts.FailMode != config.FailOpen && opts.FailMode != config.FailClosed {
		return nil, core.Wrap(core.CodeInvalidInput, "fail mode must be open or closed", core.ErrInvalidInput)
	}
	cost := opts.Cost
	if cost <= 0 {
		cost = 1
	}
	m := &Middleware{
		engine:    engine,
		policyID:  opts.PolicyID,
		extractor: opts.Extractor,
		cost:      cost,
		failMode:  opts.FailMode,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Clock,
	}
	if m.metrics == nil {
		m.metrics = observability.NopMetrics{}
	}
	if m.logger == nil {
		m.logger = observability.NopLogger{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Handler wraps next with the rate limit check.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.extractor(r)
		if err != nil {
			http.Error(w, "unable to identify client", http.StatusBadRequest)
			return
		}

		decision, err := m.engine.Check(r.Context(), key, m.policyID, m.cost)
		if err != nil {
			m.onError(w, r, next, key, err)
			return
		}

		writeRateHeaders(w, decision, m.now())
		if !decision.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) onError(w http.ResponseWriter, r *http.Request, next http.Handler, key string, err error) {
	code := core.CodeOf(err)
	if errors.Is(err, core.ErrPolicyNotFound) || code == core.CodeInvalidInput {
		// Misconfiguration, not store trouble. Fail modes do not apply.
		http.Error(w, "rate limit policy unavailable", http.StatusInternalServerError)
		m.logger.Error("rate limit misconfiguration", map[string]any{
			"policy": m.policyID, "code": string(code), "error": err.Error(),
		})
		return
	}

	switch m.failMode {
	case config.FailOpen:
		m.metrics.IncFailMode("open")
		m.logger.Warn("rate limit indeterminate, failing open", map[string]any{
			"policy": m.policyID, "key": key, "code": string(code),
		})
		w.Header().Set("X-RateLimit-Degraded", "true")
		next.ServeHTTP(w, r)
	default:
		m.metrics.IncFailMode("closed")
		m.logger.Warn("rate limit indeterminate, failing closed", map[string]any{
			"policy": m.policyID, "key": key, "code": string(code),
		})
		http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
	}
}

func writeRateHeaders(w http.ResponseWriter, d *core.Decision, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt(now).Unix(), 10))
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 || secs == 0 {
		secs++
	}
	return strconv.FormatInt(secs, 10)
}
