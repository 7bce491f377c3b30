package core

import (
	"sync"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// CircuitBreaker sheds load from an unhealthy counter store. While open, the
// engine fails fast with ErrStoreUnavailable instead of queueing on a store
// that keeps timing out.
type CircuitBreaker struct {
	mu       sync.Mutex
	opts     CircuitOptions
	now      func() time.Time
	state    CircuitState
	failures int64
	probes   int64
	openedAt time.Time
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 10
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 200 * time.Millisecond
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 5
	}
	return &CircuitBreaker{opts: opts, now: time.Now, state: CircuitClosed}
}

// SetClock overrides the time source. Intended for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	if cb == nil || now == nil {
		return
	}
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the call should proceed. In the half-open state only a
// bounded number of probes are admitted at once.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && !cb.now().Before(cb.openedAt.Add(cb.opts.OpenDuration)) {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.probes >= cb.opts.HalfOpenMaxCalls {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

// OnSuccess records a successful call. A half-open success closes the breaker.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitClosed
		cb.failures = 0
		cb.probes = 0
	case CircuitClosed:
		cb.failures = 0
	}
}

// OnFailure records a failure. A half-open failure reopens immediately;
// closed-state failures open once the threshold is met.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.state == CircuitClosed && cb.failures >= cb.opts.FailureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.failures = cb.opts.FailureThreshold
	cb.probes = 0
	cb.openedAt = cb.now()
}
