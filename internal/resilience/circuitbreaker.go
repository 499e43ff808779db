// Package resilience provides retry, timeout, and circuit-breaker
// primitives shared by the dispatcher, bootstrap manager, and quorum
// manager when calling out to peers.
package resilience

import (
	"sync"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// BreakerState is one of Closed, Open, or HalfOpen.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls a single breaker's thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	SuccessThreshold    int
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the package defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    constants.DefaultFailureThreshold,
		RecoveryTimeout:     constants.DefaultRecoveryTimeout,
		SuccessThreshold:    constants.DefaultSuccessThreshold,
		MaxHalfOpenRequests: constants.DefaultMaxHalfOpenRequests,
	}
}

// CircuitBreaker prevents cascading failures against a single resource
// (typically a peer) by tripping open after repeated failures and
// periodically probing recovery through a half-open trial window.
type CircuitBreaker struct {
	mu sync.Mutex

	resource string
	cfg      CircuitBreakerConfig

	state            BreakerState
	failures         int
	successes        int
	halfOpenInFlight int
	lastTransition   time.Time
}

// NewCircuitBreaker creates a closed breaker for the named resource.
func NewCircuitBreaker(resource string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		resource:       resource,
		cfg:            cfg,
		state:          Closed,
		lastTransition: time.Now(),
	}
}

// Allow reports whether a call against the guarded resource may proceed,
// transitioning Open to HalfOpen once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.lastTransition) > cb.cfg.RecoveryTimeout {
			cb.transitionLocked(HalfOpen)
			cb.halfOpenInFlight = 1
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight < cb.cfg.MaxHalfOpenRequests {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call, potentially closing the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case HalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(Closed)
		}
	case Closed:
		cb.failures = 0
	}
}

// RecordFailure reports a failed call, potentially opening the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(Open)
		}
	case HalfOpen:
		cb.transitionLocked(Open)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(to BreakerState) {
	cb.state = to
	cb.lastTransition = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

// Call executes fn if the breaker allows it, recording the outcome and
// translating a rejected call into a Network error so callers' retry/backoff
// logic (keyed on verrors.Is(err, verrors.Network)) treats an open
// breaker the same as any other unreachable peer.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return verrors.NewNetworkError("circuit open", cb.resource, nil)
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Registry manages one CircuitBreaker per resource key, lazily creating
// breakers on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry using cfg for every new breaker.
func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for resource, creating one if needed.
func (r *Registry) Get(resource string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[resource]
	if !ok {
		cb = NewCircuitBreaker(resource, r.cfg)
		r.breakers[resource] = cb
	}
	return cb
}

// Resources returns the keys of every breaker created so far.
func (r *Registry) Resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.breakers))
	for resource := range r.breakers {
		out = append(out, resource)
	}
	return out
}
