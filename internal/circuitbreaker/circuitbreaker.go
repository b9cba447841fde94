package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit is open and the cool-down has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

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

// Config holds circuit breaker parameters. Zero values take defaults
// (5 failures, 2 successes, 30s cool-down).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(from, to State)
}

// CircuitBreaker stops calling the provider after consecutive failures and lets
// probe calls through once the cool-down elapses.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	cfg       Config
	now       func() time.Time
}

// New creates a CircuitBreaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg, now: time.Now}
}

// Call runs fn when the circuit allows it. A non-nil error from fn counts as a failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
		cb.mu.Unlock()
		return ErrOpen
	}
	cb.successes = 0
	notify := cb.transitionLocked(StateHalfOpen)
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	notify := func() {}
	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.failures = 0
			cb.openedAt = cb.now()
			notify = cb.transitionLocked(StateOpen)
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.successes = 0
				notify = cb.transitionLocked(StateClosed)
			}
		}
	}
	cb.mu.Unlock()
	notify()
}

// transitionLocked sets the state and returns the callback to run after unlocking.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.cfg.OnStateChange == nil {
		return func() {}
	}
	return func() { cb.cfg.OnStateChange(from, to) }
}
