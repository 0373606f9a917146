// Package breaker guards calls to external services with a per-service
// circuit breaker.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Calls rejected immediately.
	HalfOpen              // A bounded number of trial calls allowed.
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "CLOSED"
}

// ErrCircuitOpen is returned without calling the wrapped function while the
// breaker rejects traffic.
type ErrCircuitOpen struct {
	Service    string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("%s temporarily unavailable: circuit open", e.Service)
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	state        State
	failures     int
	successes    int
	trials       int           // calls admitted since entering half-open
	threshold    int           // consecutive failures before opening
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // trials admitted, and successes needed to close
	lastFailure  time.Time
	now          func() time.Time
}

type Option func(*CircuitBreaker)

func WithThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

func WithResetTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

func WithHalfOpenMax(n int) Option {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// New creates a breaker: 5 failures to open, 60s reset timeout, 2 trials.
func New(name string, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		state:        Closed,
		threshold:    5,
		resetTimeout: 60 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) ResetTimeout() time.Duration { return cb.resetTimeout }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	return cb.state
}

// Execute calls fn unless the breaker is open or out of half-open trials,
// and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		cb.recordFailure(ctx)
	} else {
		cb.recordSuccess(ctx)
	}
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	switch cb.state {
	case Open:
		return &ErrCircuitOpen{Service: cb.name, RetryAfter: cb.resetTimeout - cb.now().Sub(cb.lastFailure)}
	case HalfOpen:
		if cb.trials >= cb.halfOpenMax {
			return &ErrCircuitOpen{Service: cb.name, RetryAfter: cb.resetTimeout}
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			slog.InfoContext(ctx, "Circuit closed", "service", cb.name)
			cb.reset()
		}
	case Closed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	cb.failures++
	switch cb.state {
	case Closed:
		if cb.failures >= cb.threshold {
			slog.WarnContext(ctx, "Circuit opened", "service", cb.name, "failures", cb.failures)
			cb.state = Open
		}
	case HalfOpen:
		slog.WarnContext(ctx, "Half-open trial failed, reopening circuit", "service", cb.name)
		cb.state = Open
		cb.successes = 0
		cb.trials = 0
	}
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

func (cb *CircuitBreaker) reset() {
	cb.state = Closed
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
}

// maybeTransition moves an open breaker to half-open once the reset timeout
// has elapsed. Must be called with mu held.
func (cb *CircuitBreaker) maybeTransition() {
	if cb.state == Open && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		slog.Info("Circuit half-open", "service", cb.name)
		cb.state = HalfOpen
		cb.successes = 0
		cb.trials = 0
	}
}

type Stats struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	FailureCount int        `json:"failureCount"`
	LastFailure  *time.Time `json:"lastFailure"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeTransition()
	s := Stats{Name: cb.name, State: cb.state.String(), FailureCount: cb.failures}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		s.LastFailure = &t
	}
	return s
}
