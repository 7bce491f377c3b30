package core

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 2, OpenDuration: 30 * time.Millisecond, HalfOpenMaxCalls: 1})
	cb.SetClock(clock)

	if !cb.Allow() {
		t.Fatalf("expected allow in closed state")
	}
	cb.OnFailure()
	cb.OnFailure()
	if cb.Allow() {
		t.Fatalf("expected breaker to be open")
	}
	now = now.Add(35 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected breaker to allow in half-open")
	}
	cb.OnSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected breaker to close after success, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatalf("expected allow after recovery")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	cb.SetClock(clock)

	cb.OnFailure()
	if cb.Allow() {
		t.Fatalf("expected breaker to be open")
	}
	now = now.Add(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected probe in half-open")
	}
	cb.OnFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected breaker to reopen after half-open failure, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatalf("expected no calls while reopened")
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenMaxCalls: 2})
	cb.SetClock(clock)

	cb.OnFailure()
	now = now.Add(15 * time.Millisecond)
	if !cb.Allow() || !cb.Allow() {
		t.Fatalf("expected two half-open probes")
	}
	if cb.Allow() {
		t.Fatalf("expected third probe to be rejected")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitOptions{FailureThreshold: 2, OpenDuration: time.Second})
	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected interleaved successes to keep the breaker closed")
	}
}

func TestCircuitBreaker_NilIsInert(t *testing.T) {
	t.Parallel()

	var cb *CircuitBreaker
	if !cb.Allow() {
		t.Fatalf("nil breaker must allow")
	}
	cb.OnFailure()
	cb.OnSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("nil breaker must report closed")
	}
}
