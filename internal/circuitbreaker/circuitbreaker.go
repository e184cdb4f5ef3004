// Package circuitbreaker stops calls to a chain RPC endpoint after repeated
// failures and lets a trial call through once a cool-down has passed.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/lightningnetwork/lnd/clock"
)

// ErrOpen is returned by Do while the breaker rejects calls
var ErrOpen = fmt.Errorf("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
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

type Config struct {
	// Name identifies the guarded endpoint in logs
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int

	// Timeout is how long the breaker stays open before allowing a trial call
	Timeout time.Duration

	// IsFailure decides whether an error returned through Do counts against
	// the endpoint. Nil counts every error.
	IsFailure func(err error) bool

	// OnStateChange runs in its own goroutine after every transition
	OnStateChange func(from, to State)

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type CircuitBreaker struct {
	mu sync.Mutex

	config Config
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// New creates a closed breaker, filling zero config values with defaults
func New(config Config) *CircuitBreaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Clock == nil {
		config.Clock = clock.NewDefaultClock()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// State returns the current state. An open breaker whose timeout elapsed
// reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState MUST be called with cb.mu held
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.config.Clock.Now().Sub(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Allow reports whether a call may go through
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != StateOpen
}

// Do runs fn unless the breaker is open and records its outcome
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return errors.Join(ErrOpen, fmt.Errorf("endpoint %s", cb.config.Name))
	}
	err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.config.IsFailure == nil || cb.config.IsFailure(err):
		cb.RecordFailure()
	default:
		// the endpoint answered, the call itself was wrong
		cb.RecordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++

	if cb.currentState() == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
		cb.consecutiveSuccesses = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	switch cb.currentState() {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) open() {
	prev := cb.currentState()
	cb.state = StateOpen
	cb.openedAt = cb.config.Clock.Now()
	if prev != StateOpen {
		cb.notify(prev, StateOpen)
	}
}

func (cb *CircuitBreaker) setState(next State) {
	prev := cb.currentState()
	cb.state = next
	if prev != next {
		cb.notify(prev, next)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	logger.WithFields(logger.Fields{
		"endpoint": cb.config.Name,
		"from":     from.String(),
		"to":       to.String(),
		"failures": cb.consecutiveFailures,
	}).Warn("circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, to)
	}
}

type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:                cb.currentState(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
	}
}
