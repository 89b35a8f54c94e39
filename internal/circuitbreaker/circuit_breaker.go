// Package circuitbreaker stops calling a backend that keeps failing and
// tries it again after a cool-down. Each backend gets its own breaker.
//
// State transitions:
//
//	Closed   -> Open      when consecutive failures reach FailureThreshold
//	Open     -> HalfOpen  after OpenTimeout elapses
//	HalfOpen -> Closed    when consecutive successes reach SuccessThreshold
//	HalfOpen -> Open      on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker's current state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets calls through to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds breaker thresholds. Zero values select defaults:
// FailureThreshold=5, SuccessThreshold=1, OpenTimeout=30s.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// OnStateChange, if set, is called after every transition while the
	// breaker's lock is not held.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// CircuitBreaker guards a single backend.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	cfg          Config
	state        State
	failureCount int
	successCount int
	openUntil    time.Time
}

// New creates a breaker for the backend called name.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the guarded backend's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving Open to HalfOpen once the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from, to := cb.resolveState()
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() (from, to State) {
	from = cb.state
	if cb.state == StateOpen && cb.cfg.Now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	return from, cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openUntil = cb.cfg.Now().Add(cb.cfg.OpenTimeout)
	cb.successCount = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}
