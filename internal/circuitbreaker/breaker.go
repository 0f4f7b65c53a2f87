// Package circuitbreaker implements a single circuit breaker guarding
// ObjectCache's fetch path: a scoped-down descendant of a multi-breaker
// registry design, since this repository has exactly one network-facing
// call worth isolating (fetch) rather than a fleet of independently
// tripping backends.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

// State is one of the breaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config controls when the breaker trips and recovers.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker to open.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before allowing one
	// half-open probe.
	OpenTimeout time.Duration
	// HalfOpenSuccesses consecutive successes in half-open close it
	// again.
	HalfOpenSuccesses int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		OpenTimeout:       10 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// Breaker guards calls to a single collaborator.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecFailures  int
	consecSuccesses int
	openedAt        time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once OpenTimeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.consecSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Call runs fn if Allow permits it, recording the outcome. When the
// breaker is open, fn does not run and Call returns a state error without
// touching the network.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return apperrors.State("circuitbreaker.call", "circuit open")
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && apperrors.IsRetryable(err) {
		b.consecSuccesses = 0
		b.consecFailures++
		if b.state == StateHalfOpen || b.consecFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
		return
	}

	b.consecFailures = 0
	if b.state == StateHalfOpen {
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
		}
		return
	}
	b.state = StateClosed
}

// State returns the current state, for observability.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
