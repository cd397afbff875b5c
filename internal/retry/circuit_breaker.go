package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "tentacle/internal/errors"
)

// ── Circuit breaker state ────────────────────────────────────────────

// State is the breaker's position.
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe through to test the backend.
	StateHalfOpen
)

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

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// MaxFailures opens the circuit after that many consecutive
	// failures (default 5).
	MaxFailures int
	// ResetTimeout is how long the circuit stays open (default 30s).
	ResetTimeout time.Duration
	// Ignore reports failures that say nothing about backend health,
	// e.g. a session that hung up mid-call.  They neither count nor
	// reset the streak.
	Ignore func(error) bool
	// OnStateChange runs under the lock on every transition.
	OnStateChange func(from, to State)
	// Now overrides the clock.
	Now func() time.Time
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State    State     `json:"-"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker stops sessions from queueing behind a dead Brain.  After
// MaxFailures consecutive failures every call fails fast with an error
// wrapping [ncerr.ErrCircuitOpen]; once ResetTimeout passes one probe is
// admitted and its outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker.  Zero fields, or a nil cfg, take
// the defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	var c CircuitBreakerConfig
	if cfg != nil {
		c = *cfg
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &CircuitBreaker{cfg: c}
}

// Do runs fn unless the circuit rejects it.
func (cb *CircuitBreaker) Do(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// CurrentState returns the breaker's position.  An open circuit whose
// timeout has passed reports half-open.
func (cb *CircuitBreaker) CurrentState() State {
	return cb.Stats().State
}

// Stats returns the current state and failure streak.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := cb.state
	if st == StateOpen && cb.expired() {
		st = StateHalfOpen
	}
	s := Stats{State: st, Failures: cb.failures}
	if cb.state != StateClosed {
		s.OpenedAt = cb.openedAt
	}
	return s
}

// ── internal ─────────────────────────────────────────────────────────

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if !cb.expired() {
			left := cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
			return false, fmt.Errorf("%w: %d consecutive failures, retry in %v",
				ncerr.ErrCircuitOpen, cb.failures, left.Truncate(time.Millisecond))
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return false, fmt.Errorf("%w: probe in flight", ncerr.ErrCircuitOpen)
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}

	if err != nil && cb.cfg.Ignore != nil && cb.cfg.Ignore(err) {
		return
	}
	if err == nil {
		cb.failures = 0
		cb.transition(StateClosed)
		return
	}

	cb.failures++
	if probe || cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Now()
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) expired() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
