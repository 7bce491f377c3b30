// Package httptransport serves the limiter API over HTTP.
package httptransport

import (
	"time"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

type HTTPCheckRequest struct {
	Key    string `json:"key"`
	Policy string `json:"policy"`
	Cost   int64  `json:"cost"`
}

type HTTPBatchCheckRequest struct {
	Policy string          `json:"policy"`
	Checks []HTTPBatchItem `json:"checks"`
}

type HTTPBatchItem struct {
	Key  string `json:"key"`
	Cost int64  `json:"cost"`
}

type HTTPCheckResponse struct {
	Allowed         bool  `json:"allowed"`
	Remaining       int64 `json:"remaining"`
	Limit           int64 `json:"limit"`
	RetryAfterMs    int64 `json:"retryAfterMs"`
	ResetAfterMs    int64 `json:"resetAfterMs"`
	ResetAtUnixSecs int64 `json:"resetAt"`
}

type HTTPPolicyResponse struct {
	ID         string  `json:"id"`
	Algorithm  string  `json:"algorithm"`
	Limit      int64   `json:"limit"`
	WindowMs   int64   `json:"windowMs,omitempty"`
	RefillRate float64 `json:"refillRate,omitempty"`
	Burst      int64   `json:"burst,omitempty"`
	Version    int64   `json:"version"`
}

func fromDecision(d *core.Decision, now time.Time) HTTPCheckResponse {
	return HTTPCheckResponse{
		Allowed:         d.Allowed,
		Remaining:       d.Remaining,
		Limit:           d.Limit,
		RetryAfterMs:    d.RetryAfter.Milliseconds(),
		ResetAfterMs:    d.ResetAfter.Milliseconds(),
		ResetAtUnixSecs: d.ResetAt(now).Unix(),
	}
}

func fromPolicy(p *core.Policy) HTTPPolicyResponse {
	return HTTPPolicyResponse{
		ID:         p.ID,
		Algorithm:  string(p.Algorithm),
		Limit:      p.Limit,
		WindowMs:   p.Window.Milliseconds(),
		RefillRate: p.RefillRate,
		Burst:      p.Burst,
		Version:    p.Version,
	}
}
