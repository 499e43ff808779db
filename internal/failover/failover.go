// Package failover tracks per-peer health across the overlay and decides,
// once a peer has failed enough times in a row, which recovery strategy to
// apply: failing it out of rotation immediately, ramping traffic down
// gradually, leaning entirely on the per-resource circuit breaker, or
// falling back to redundant peers that already hold the same data.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/meshvault/meshvault/internal/resilience"
	"github.com/meshvault/meshvault/pkg/constants"
)

// Strategy selects how the manager reacts once a peer crosses the sustained
// failure threshold.
type Strategy int

const (
	// StrategyCircuitBreaker leans entirely on the per-peer breaker in
	// internal/resilience; no extra bookkeeping beyond marking the peer
	// unhealthy.
	StrategyCircuitBreaker Strategy = iota
	// StrategyImmediate drops the peer from rotation the instant it
	// crosses the threshold.
	StrategyImmediate
	// StrategyGradual keeps the peer eligible but at reduced weight,
	// reported through TrafficWeight, until it recovers or is dropped.
	StrategyGradual
	// StrategyRedundant marks the failing peer unhealthy once it crosses
	// the threshold, like StrategyImmediate; HasRedundancy tells callers
	// whether enough healthy holders remain to serve from instead.
	StrategyRedundant
)

func (s Strategy) String() string {
	switch s {
	case StrategyImmediate:
		return "immediate"
	case StrategyGradual:
		return "gradual"
	case StrategyRedundant:
		return "redundant"
	default:
		return "circuit_breaker"
	}
}

// Config configures a Manager.
type Config struct {
	Strategy                  Strategy
	HealthCheckInterval       time.Duration
	SustainedFailureThreshold int
	RedundancyFactor          int
	ConnectionStaleAfter      time.Duration
	Breaker                   resilience.CircuitBreakerConfig
}

// DefaultConfig returns a Config seeded from pkg/constants.
func DefaultConfig() Config {
	return Config{
		Strategy:                  StrategyCircuitBreaker,
		HealthCheckInterval:       constants.DefaultFailoverHealthCheckInterval,
		SustainedFailureThreshold: constants.DefaultFailoverSustainedFailures,
		RedundancyFactor:          constants.DefaultFailoverRedundancyFactor,
		ConnectionStaleAfter:      constants.FailoverConnectionStaleAfter,
		Breaker:                   resilience.DefaultCircuitBreakerConfig(),
	}
}

type peerHealth struct {
	consecutiveFailures int
	healthy             bool
	lastSeen            time.Time
	lastError           string
}

// Stats is a snapshot of the manager's view of the network.
type Stats struct {
	Strategy     Strategy
	TotalPeers   int
	HealthyPeers int
	FailedPeers  int
	OpenBreakers int
}

// Manager is the health checker and strategy selector: it decides whether a
// peer is fit to receive traffic, backed by a resilience.Registry so it
// never duplicates the breaker state machine.
type Manager struct {
	cfg      Config
	breakers *resilience.Registry

	mu          sync.Mutex
	health      map[string]*peerHealth
	connections map[string]time.Time

	cancel func()
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = constants.DefaultFailoverHealthCheckInterval
	}
	if cfg.SustainedFailureThreshold <= 0 {
		cfg.SustainedFailureThreshold = constants.DefaultFailoverSustainedFailures
	}
	if cfg.RedundancyFactor <= 0 {
		cfg.RedundancyFactor = constants.DefaultFailoverRedundancyFactor
	}
	if cfg.ConnectionStaleAfter <= 0 {
		cfg.ConnectionStaleAfter = constants.FailoverConnectionStaleAfter
	}
	return &Manager{
		cfg:         cfg,
		breakers:    resilience.NewRegistry(cfg.Breaker),
		health:      make(map[string]*peerHealth),
		connections: make(map[string]time.Time),
	}
}

// IsAvailable reports whether peerBID should receive traffic: its breaker
// must admit the call and it must not be marked unhealthy.
func (m *Manager) IsAvailable(peerBID string) bool {
	if !m.breakers.Get(peerBID).Allow() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[peerBID]
	if !ok {
		return true
	}
	return h.healthy
}

// TrafficWeight returns the fraction of traffic peerBID should still
// receive under the Gradual strategy: 1.0 while healthy, ramping down by
// consecutive-failure count once it starts failing, 0 once it has failed
// at or beyond the sustained threshold.
func (m *Manager) TrafficWeight(peerBID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[peerBID]
	if !ok || h.consecutiveFailures == 0 {
		return 1.0
	}
	if h.consecutiveFailures >= m.cfg.SustainedFailureThreshold {
		return 0
	}
	steps := []float64{0.75, 0.5, 0.25}
	idx := h.consecutiveFailures - 1
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	return steps[idx]
}

// RecordSuccess clears a peer's failure streak and marks it healthy.
func (m *Manager) RecordSuccess(peerBID string) {
	m.breakers.Get(peerBID).RecordSuccess()

	m.mu.Lock()
	h, ok := m.health[peerBID]
	if !ok {
		h = &peerHealth{}
		m.health[peerBID] = h
	}
	h.consecutiveFailures = 0
	h.healthy = true
	h.lastSeen = time.Now()
	h.lastError = ""
	m.connections[peerBID] = time.Now()
	m.mu.Unlock()
}

// RecordFailure records a failed call against peerBID and, once the
// consecutive-failure count reaches the sustained threshold, applies the
// configured strategy. Returns the strategy applied, or
// StrategyCircuitBreaker with no state change if the peer is not yet over
// threshold.
func (m *Manager) RecordFailure(peerBID string, cause error) Strategy {
	m.breakers.Get(peerBID).RecordFailure()

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.health[peerBID]
	if !ok {
		h = &peerHealth{healthy: true}
		m.health[peerBID] = h
	}
	h.consecutiveFailures++
	h.lastSeen = time.Now()
	if cause != nil {
		h.lastError = cause.Error()
	}

	if h.consecutiveFailures < m.cfg.SustainedFailureThreshold {
		return StrategyCircuitBreaker
	}

	switch m.cfg.Strategy {
	case StrategyImmediate, StrategyRedundant:
		h.healthy = false
	case StrategyGradual:
		// Left eligible at reduced TrafficWeight until it crosses the
		// threshold, at which point it too is marked unhealthy.
		h.healthy = false
	default:
		h.healthy = false
	}

	return m.cfg.Strategy
}

// HealthyPeers returns the BIDs currently considered healthy.
func (m *Manager) HealthyPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.health))
	for bid, h := range m.health {
		if h.healthy {
			out = append(out, bid)
		}
	}
	return out
}

// HasRedundancy reports whether enough healthy peers remain to satisfy the
// configured redundancy factor, for the Redundant strategy's callers.
func (m *Manager) HasRedundancy() bool {
	return len(m.HealthyPeers()) >= m.cfg.RedundancyFactor
}

// Stats returns a snapshot of the manager's current view of the network.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total := len(m.health)
	healthy := 0
	for _, h := range m.health {
		if h.healthy {
			healthy++
		}
	}
	m.mu.Unlock()

	open := 0
	for _, bid := range m.breakers.Resources() {
		if m.breakers.Get(bid).State() == resilience.Open {
			open++
		}
	}

	return Stats{
		Strategy:     m.cfg.Strategy,
		TotalPeers:   total,
		HealthyPeers: healthy,
		FailedPeers:  total - healthy,
		OpenBreakers: open,
	}
}

// Start launches the background connection sweep, pruning peers that
// haven't recorded a success within ConnectionStaleAfter.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.sweepLoop(ctx)
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pruneStaleConnections()
		}
	}
}

func (m *Manager) pruneStaleConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for bid, lastSeen := range m.connections {
		if now.Sub(lastSeen) > m.cfg.ConnectionStaleAfter {
			delete(m.connections, bid)
		}
	}
}
