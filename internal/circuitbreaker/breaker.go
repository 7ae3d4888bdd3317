package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"c2block/sync-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned (wrapped) when a call is rejected without reaching the
// backend.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - calls reach the backend
	StateClosed State = iota
	// StateOpen - calls fail fast until Timeout has passed since the last failure
	StateOpen
	// StateHalfOpen - a single probe call decides whether to close again
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

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive probe successes before closing
	SuccessThreshold int
	// Timeout is how long to wait in open state before probing
	Timeout time.Duration
}

// DefaultConfig returns the defaults used for the feed and firewall backends.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards one remote backend (the threat feed or the firewall
// RPC endpoint). A run issues calls sequentially, so a single mutex is enough.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probing   bool
	lastFail  time.Time
}

// New creates a new circuit breaker for a backend
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	cb := &CircuitBreaker{name: name, config: config, now: time.Now}
	metrics.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Do runs fn if the breaker allows it and records the outcome. Errors for
// which permanent returns true are passed through without counting as a
// backend failure (for example a 4xx answer from a healthy server).
func (cb *CircuitBreaker) Do(fn func() error, permanent func(error) bool) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case permanent != nil && permanent(err):
		cb.recordSuccess()
	default:
		cb.recordFailure()
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFail)
		if elapsed < cb.config.Timeout {
			return fmt.Errorf("%w for %s (retry in %v)", ErrOpen, cb.name, (cb.config.Timeout - elapsed).Round(time.Second))
		}
		cb.transitionTo(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return fmt.Errorf("%w for %s: probe in flight", ErrOpen, cb.name)
		}
		cb.probing = true
		return nil
	default:
		return fmt.Errorf("circuit breaker in unknown state")
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			log.Info().
				Str("backend", cb.name).
				Int("successes", cb.successes).
				Msg("circuit breaker recovered")
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFail = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
			log.Error().
				Str("backend", cb.name).
				Int("failures", cb.failures).
				Msg("circuit breaker opened")
		}
	case StateHalfOpen:
		// any failure while probing reopens
		cb.probing = false
		cb.successes = 0
		cb.transitionTo(StateOpen)
		log.Warn().
			Str("backend", cb.name).
			Msg("circuit breaker reopened after half-open failure")
	}
}

// transitionTo changes the state (caller must hold mu)
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	cb.state = newState

	metrics.CircuitState.WithLabelValues(cb.name).Set(float64(newState))
	metrics.CircuitTransitions.WithLabelValues(cb.name, oldState.String(), newState.String()).Inc()

	log.Info().
		Str("backend", cb.name).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	Name     string
	State    State
	Failures int
	LastFail time.Time
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{Name: cb.name, State: cb.state, Failures: cb.failures, LastFail: cb.lastFail}
}

// Manager hands out one breaker per backend name.
type Manager struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a new circuit breaker manager
func NewManager(config Config) *Manager {
	return &Manager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the circuit breaker for a backend, creating it if needed
func (m *Manager) Get(backend string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[backend]; ok {
		return cb
	}
	cb := New(backend, m.config)
	m.breakers[backend] = cb
	log.Debug().
		Str("backend", backend).
		Int("failure_threshold", cb.config.FailureThreshold).
		Dur("timeout", cb.config.Timeout).
		Msg("created circuit breaker")
	return cb
}

// All returns a snapshot of every breaker's stats, keyed by backend.
func (m *Manager) All() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Stats()
	}
	return out
}
