// Package resilience provides circuit breaker, provider failover and retry
// primitives.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) whose
// state transitions are published with a single atomic compare-and-swap, so
// many sessions can trip or benefit from one shared breaker without a lock.
// [FallbackGroup] composes several instances of a provider type with
// per-entry breakers so that a failing primary is bypassed in favour of
// healthy fallbacks. [Retry] retries transient failures with exponential backoff.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open, or half-open with its trial budget already in use.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int32

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls. One success closes
	// the breaker, one failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting trial
	// calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls admitted while half-open.
	// Default: 1.
	HalfOpenMax int

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// snapshot is an immutable state record. Transitions swap the whole pointer,
// so state and the time it was entered are always observed together. Each
// half-open snapshot carries its own trial counter.
type snapshot struct {
	state  State
	since  time.Time
	trials atomic.Int32
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int32
	resetTimeout time.Duration
	halfOpenMax  int32
	now          func() time.Time

	cur      atomic.Pointer[snapshot]
	failures atomic.Int32
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  int32(cfg.MaxFailures),
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  int32(cfg.HalfOpenMax),
		now:          cfg.Now,
	}
	cb.cur.Store(&snapshot{state: StateClosed, since: cfg.Now()})
	return cb
}

// Execute runs fn if the breaker admits it and records the outcome. A
// context.Canceled error from fn is neither a success nor a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	s, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(s, err)
	return err
}

// admit returns the snapshot the call was admitted under.
func (cb *CircuitBreaker) admit() (*snapshot, error) {
	for {
		s := cb.cur.Load()
		switch s.state {
		case StateClosed:
			return s, nil

		case StateOpen:
			now := cb.now()
			if now.Sub(s.since) < cb.resetTimeout {
				return nil, ErrCircuitOpen
			}
			if cb.cur.CompareAndSwap(s, &snapshot{state: StateHalfOpen, since: now}) {
				slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
			}

		case StateHalfOpen:
			if s.trials.Add(1) > cb.halfOpenMax {
				s.trials.Add(-1)
				return nil, ErrCircuitOpen
			}
			return s, nil
		}
	}
}

func (cb *CircuitBreaker) record(s *snapshot, err error) {
	if errors.Is(err, context.Canceled) {
		if s.state == StateHalfOpen {
			s.trials.Add(-1)
		}
		return
	}

	if err == nil {
		if s.state == StateHalfOpen {
			if cb.cur.CompareAndSwap(s, &snapshot{state: StateClosed, since: cb.now()}) {
				cb.failures.Store(0)
				slog.Info("circuit breaker closed after successful trial", "name", cb.name)
			}
			return
		}
		cb.failures.Store(0)
		return
	}

	if s.state == StateHalfOpen {
		if cb.cur.CompareAndSwap(s, &snapshot{state: StateOpen, since: cb.now()}) {
			slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		}
		return
	}

	n := cb.failures.Add(1)
	if n >= cb.maxFailures && cb.cur.CompareAndSwap(s, &snapshot{state: StateOpen, since: cb.now()}) {
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", n)
	}
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen]; the actual transition
// happens on the next [CircuitBreaker.Execute] call.
func (cb *CircuitBreaker) State() State {
	s := cb.cur.Load()
	if s.state == StateOpen && cb.now().Sub(s.since) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return s.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker back to [StateClosed] and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.cur.Store(&snapshot{state: StateClosed, since: cb.now()})
	cb.failures.Store(0)
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
