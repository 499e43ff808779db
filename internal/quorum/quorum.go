// Package quorum implements the adaptive write/read quorum calculation:
// given the current live peer set and per-peer reliability, it produces a
// replica count that is safe under partial failure without over-amplifying
// traffic to every connected peer on every operation.
package quorum

import (
	"math"
	"sync"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
)

// All is the sentinel quorum value meaning "replicate to as many peers as
// are reachable" — returned when the manager has no live peers to reason
// about.
const All = -1

// Reliability is one peer's rolling reliability record. Owned entirely by
// the quorum manager and the dispatcher; never serialized to the wire.
type Reliability struct {
	SuccessCount int
	FailureCount int
	LastSuccess  time.Time
	LastFailure  time.Time
}

// Score returns the peer's success rate, or 0.5 (neutral) if it has no
// recorded history yet.
func (r *Reliability) Score() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(r.SuccessCount) / float64(total)
}

// Config holds the tunables driving the quorum calculation.
type Config struct {
	MinQuorum            int
	MaxQuorum            int
	QuorumPercentage     float64
	MinPeersForPercent   int
	AdaptiveQuorum       bool
	ReliabilityThreshold float64
}

// DefaultConfig returns the configuration seeded from package defaults.
func DefaultConfig() Config {
	return Config{
		MinQuorum:            constants.DefaultMinQuorum,
		MaxQuorum:            constants.DefaultMaxQuorum,
		QuorumPercentage:     constants.DefaultQuorumPercentage,
		MinPeersForPercent:   constants.DefaultMinPeersForPercent,
		AdaptiveQuorum:       true,
		ReliabilityThreshold: constants.DefaultReliabilityThreshold,
	}
}

// Manager tracks peer reliability and computes the quorum for overlay
// operations.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	peer map[string]*Reliability
}

// New creates a Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.MinQuorum <= 0 {
		cfg.MinQuorum = constants.DefaultMinQuorum
	}
	if cfg.MaxQuorum <= 0 {
		cfg.MaxQuorum = constants.DefaultMaxQuorum
	}
	if cfg.QuorumPercentage <= 0 {
		cfg.QuorumPercentage = constants.DefaultQuorumPercentage
	}
	if cfg.MinPeersForPercent <= 0 {
		cfg.MinPeersForPercent = constants.DefaultMinPeersForPercent
	}
	if cfg.ReliabilityThreshold <= 0 {
		cfg.ReliabilityThreshold = constants.DefaultReliabilityThreshold
	}
	return &Manager{cfg: cfg, peer: make(map[string]*Reliability)}
}

// RecordSuccess records a successful operation against peer.
func (m *Manager) RecordSuccess(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reliabilityLocked(peerID)
	r.SuccessCount++
	r.LastSuccess = time.Now()
}

// RecordFailure records a failed operation against peer.
func (m *Manager) RecordFailure(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.reliabilityLocked(peerID)
	r.FailureCount++
	r.LastFailure = time.Now()
}

func (m *Manager) reliabilityLocked(peerID string) *Reliability {
	r, ok := m.peer[peerID]
	if !ok {
		r = &Reliability{}
		m.peer[peerID] = r
	}
	return r
}

// Reliability returns a copy of the reliability record tracked for peerID,
// or a zero-value record (neutral 0.5 score) if it has never been seen.
func (m *Manager) Reliability(peerID string) Reliability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.peer[peerID]; ok {
		return *r
	}
	return Reliability{}
}

// CalculateQuorum computes the replica quorum for an overlay operation
// given the IDs of currently connected peers, per the adaptive quorum
// algorithm: below MinPeersForPercent connected peers the quorum is capped
// at min(MinQuorum, N); with no peers at all the sentinel All is returned;
// otherwise, when adaptive quorum is enabled, the factor is chosen from
// average peer reliability (>= ReliabilityThreshold -> 0.3, >= 0.6 -> 0.5,
// else 0.7), and the result is clamped to [MinQuorum, min(MaxQuorum, N)].
func (m *Manager) CalculateQuorum(connectedPeers []string) int {
	n := len(connectedPeers)
	if n == 0 {
		return All
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	if n < cfg.MinPeersForPercent {
		return min(cfg.MinQuorum, n)
	}

	var factor float64
	if cfg.AdaptiveQuorum {
		r := m.averageReliability(connectedPeers)
		switch {
		case r >= cfg.ReliabilityThreshold:
			factor = 0.3
		case r >= 0.6:
			factor = 0.5
		default:
			factor = 0.7
		}
	} else {
		factor = cfg.QuorumPercentage
	}

	q := int(math.Ceil(float64(n) * factor))
	return clamp(q, cfg.MinQuorum, min(cfg.MaxQuorum, n))
}

func (m *Manager) averageReliability(peerIDs []string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, id := range peerIDs {
		if r, ok := m.peer[id]; ok {
			total += r.Score()
		} else {
			total += 0.5
		}
	}
	return total / float64(len(peerIDs))
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
