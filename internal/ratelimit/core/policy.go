// Package core provides limiter primitives.
package core

import (
	"fmt"
	"strings"
	"time"
)

// Algorithm selects the limiting algorithm for a policy.
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
)

// NormalizeAlgorithm parses a configured algorithm name.
func NormalizeAlgorithm(algo string) (Algorithm, error) {
	if algo == "" {
		return "", Wrap(CodeInvalidPolicy, "algorithm is required", ErrInvalidPolicy)
	}
	normalized := strings.ToLower(strings.TrimSpace(algo))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "fixed_window", "fixedwindow":
		return AlgorithmFixedWindow, nil
	case "sliding_window", "slidingwindow":
		return AlgorithmSlidingWindow, nil
	case "token_bucket", "tokenbucket":
		return AlgorithmTokenBucket, nil
	default:
		return "", Wrap(CodeInvalidPolicy, fmt.Sprintf("unsupported algorithm %q", algo), ErrInvalidPolicy)
	}
}

// Policy describes an immutable rate limit. The engine never mutates a policy;
// configuration reloads construct a new Policy and swap it into the PolicySet.
type Policy struct {
	ID        string
	Algorithm Algorithm
	// Limit is the max cost units per Window for window algorithms and the
	// bucket capacity for token bucket.
	Limit  int64
	Window time.Duration
	// RefillRate is tokens added per second (token bucket only).
	RefillRate float64
	// Burst caps the bucket; defaults to Limit when zero (token bucket only).
	Burst int64
	// Version distinguishes counter state across reconfigurations. Store keys
	// embed it, so changing a window starts fresh counters and the old ones
	// expire by TTL.
	Version int64
}

// Capacity returns the effective token bucket capacity.
func (p *Policy) Capacity() int64 {
	if p == nil {
		return 0
	}
	if p.Burst > p.Limit {
		return p.Burst
	}
	return p.Limit
}

// Validate checks policy invariants. It runs once at load time, not per call.
func (p *Policy) Validate() error {
	if p == nil {
		return Wrap(CodeInvalidPolicy, "policy is required", ErrInvalidPolicy)
	}
	if p.ID == "" {
		return Wrap(CodeInvalidPolicy, "policy id is required", ErrInvalidPolicy)
	}
	if _, err := NormalizeAlgorithm(string(p.Algorithm)); err != nil {
		return err
	}
	if p.Limit <= 0 {
		return Wrap(CodeInvalidPolicy, fmt.Sprintf("policy %s: limit must be positive", p.ID), ErrInvalidPolicy)
	}
	switch p.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow:
		if p.Window <= 0 {
			return Wrap(CodeInvalidPolicy, fmt.Sprintf("policy %s: window must be positive", p.ID), ErrInvalidPolicy)
		}
	case AlgorithmTokenBucket:
		if p.RefillRate <= 0 {
			return Wrap(CodeInvalidPolicy, fmt.Sprintf("policy %s: refill rate must be positive", p.ID), ErrInvalidPolicy)
		}
		if p.Burst < 0 {
			return Wrap(CodeInvalidPolicy, fmt.Sprintf("policy %s: burst must not be negative", p.ID), ErrInvalidPolicy)
		}
	}
	return nil
}

// Clone returns a copy of the policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
