package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is matched by every rejection returned while the breaker is not
// accepting calls.
var ErrOpen = errors.New("circuit breaker open")

// State of a breaker. The numeric value is exported as a gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// RejectedError is returned by Execute when a call is short-circuited.
type RejectedError struct {
	Name  string
	State State
	// RetryIn is the remaining cool-down; zero while half-open probes are busy.
	RetryIn time.Duration
}

func (e *RejectedError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("%s: %s (retry in %s)", e.Name, ErrOpen, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Name, ErrOpen, e.State)
}

func (e *RejectedError) Unwrap() error { return ErrOpen }

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name        string
	State       State
	Streak      uint32
	Calls       uint64
	Rejected    uint64
	LastFailure time.Time
	OpenedAt    time.Time
}

// Option customizes a breaker.
type Option func(*CircuitBreaker)

func WithLogger(logger *logrus.Logger) Option {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithProbes sets how many successful half-open calls close the breaker.
// Only one probe is in flight at a time.
func WithProbes(n uint32) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.probes = n
		}
	}
}

// WithOnStateChange registers a hook run on every transition. It is called
// with the breaker lock held and must not call back into the breaker.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// CircuitBreaker rejects calls after a streak of failures and lets a probe
// through once the cool-down has passed.
type CircuitBreaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration
	probes    uint32
	now       func() time.Time
	onChange  func(name string, from, to State)
	logger    *logrus.Logger

	mu          sync.Mutex
	state       State
	streak      uint32
	probing     bool
	probeWins   uint32
	calls       uint64
	rejected    uint64
	lastFailure time.Time
	openedAt    time.Time
}

// New returns a closed breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func New(name string, threshold uint32, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		probes:    1,
		now:       time.Now,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker rejects it. Errors wrapping
// context.Canceled leave the failure streak untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	result := fn(ctx)
	cb.record(probe, result)
	return result
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refreshLocked()
	switch cb.state {
	case StateClosed:
		cb.calls++
		return false, nil
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			cb.calls++
			return true, nil
		}
	}
	cb.rejected++
	rej := &RejectedError{Name: cb.name, State: cb.state}
	if cb.state == StateOpen {
		rej.RetryIn = cb.cooldown - cb.now().Sub(cb.openedAt)
	}
	return false, rej
}

func (cb *CircuitBreaker) record(probe bool, result error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	switch {
	case errors.Is(result, context.Canceled):
		return
	case result == nil:
		cb.streak = 0
		if probe {
			cb.probeWins++
			if cb.probeWins >= cb.probes {
				cb.moveLocked(StateClosed)
			}
		}
	default:
		cb.streak++
		cb.lastFailure = cb.now()
		if probe || (cb.state == StateClosed && cb.streak >= cb.threshold) {
			cb.moveLocked(StateOpen)
		}
	}
}

// refreshLocked lets an open breaker go half-open after the cool-down.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.moveLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) moveLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.probeWins = 0

	entry := cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"to":              to.String(),
	})
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		entry.WithField("failures", cb.streak).Warn("Circuit breaker opened")
	case StateClosed:
		cb.streak = 0
		entry.Info("Circuit breaker closed")
	default:
		entry.Info("Circuit breaker probing")
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:        cb.name,
		State:       cb.state,
		Streak:      cb.streak,
		Calls:       cb.calls,
		Rejected:    cb.rejected,
		LastFailure: cb.lastFailure,
		OpenedAt:    cb.openedAt,
	}
}
