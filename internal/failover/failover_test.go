package failover

import (
	"errors"
	"testing"
	"time"

	"github.com/meshvault/meshvault/internal/resilience"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SustainedFailureThreshold = 3
	cfg.Breaker = resilience.CircuitBreakerConfig{
		FailureThreshold:    100, // keep the breaker out of the way for these tests
		RecoveryTimeout:     time.Millisecond,
		SuccessThreshold:    1,
		MaxHalfOpenRequests: 1,
	}
	return cfg
}

func TestIsAvailableDefaultsToTrueForUnknownPeer(t *testing.T) {
	m := New(testConfig())
	if !m.IsAvailable("unseen-peer") {
		t.Fatal("expected an unseen peer to be available by default")
	}
}

func TestRecordSuccessMarksPeerHealthy(t *testing.T) {
	m := New(testConfig())
	m.RecordSuccess("peer-a")

	if !m.IsAvailable("peer-a") {
		t.Fatal("expected peer-a to be available after a recorded success")
	}
	healthy := m.HealthyPeers()
	if len(healthy) != 1 || healthy[0] != "peer-a" {
		t.Fatalf("expected healthy peers [peer-a], got %v", healthy)
	}
}

func TestRecordFailureBelowThresholdStaysCircuitBreakerStrategy(t *testing.T) {
	m := New(testConfig())

	s := m.RecordFailure("peer-a", errors.New("boom"))
	if s != StrategyCircuitBreaker {
		t.Fatalf("expected StrategyCircuitBreaker below threshold, got %v", s)
	}
	if !m.IsAvailable("peer-a") {
		t.Fatal("expected peer-a to remain available below the sustained-failure threshold")
	}
}

func TestRecordFailureAtThresholdAppliesImmediateStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyImmediate
	m := New(cfg)

	var last Strategy
	for i := 0; i < cfg.SustainedFailureThreshold; i++ {
		last = m.RecordFailure("peer-a", errors.New("boom"))
	}

	if last != StrategyImmediate {
		t.Fatalf("expected StrategyImmediate once threshold is reached, got %v", last)
	}
	if m.IsAvailable("peer-a") {
		t.Fatal("expected peer-a to be marked unavailable once immediate failover triggers")
	}
}

func TestRecordSuccessResetsFailureStreak(t *testing.T) {
	m := New(testConfig())

	m.RecordFailure("peer-a", errors.New("boom"))
	m.RecordFailure("peer-a", errors.New("boom"))
	m.RecordSuccess("peer-a")

	// Two more failures should not trip the 3-failure threshold since the
	// streak was reset by the intervening success.
	s := m.RecordFailure("peer-a", errors.New("boom"))
	if s != StrategyCircuitBreaker {
		t.Fatalf("expected failure streak to have been reset by the success, got strategy %v", s)
	}
}

func TestTrafficWeightRampsDownUnderGradualStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyGradual
	cfg.SustainedFailureThreshold = 4
	m := New(cfg)

	if w := m.TrafficWeight("peer-a"); w != 1.0 {
		t.Fatalf("expected full weight for a never-failed peer, got %v", w)
	}

	m.RecordFailure("peer-a", errors.New("boom"))
	if w := m.TrafficWeight("peer-a"); w != 0.75 {
		t.Fatalf("expected weight 0.75 after first failure, got %v", w)
	}

	m.RecordFailure("peer-a", errors.New("boom"))
	if w := m.TrafficWeight("peer-a"); w != 0.5 {
		t.Fatalf("expected weight 0.5 after second failure, got %v", w)
	}

	m.RecordFailure("peer-a", errors.New("boom"))
	m.RecordFailure("peer-a", errors.New("boom"))
	if w := m.TrafficWeight("peer-a"); w != 0 {
		t.Fatalf("expected weight 0 once the sustained threshold is reached, got %v", w)
	}
}

func TestHasRedundancyReflectsRedundancyFactor(t *testing.T) {
	cfg := testConfig()
	cfg.RedundancyFactor = 2
	m := New(cfg)

	if m.HasRedundancy() {
		t.Fatal("expected no redundancy with zero healthy peers")
	}

	m.RecordSuccess("peer-a")
	if m.HasRedundancy() {
		t.Fatal("expected insufficient redundancy with only one healthy peer")
	}

	m.RecordSuccess("peer-b")
	if !m.HasRedundancy() {
		t.Fatal("expected sufficient redundancy with two healthy peers")
	}
}

func TestStatsCountsHealthyAndFailedPeers(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = StrategyImmediate
	m := New(cfg)

	m.RecordSuccess("peer-a")
	for i := 0; i < cfg.SustainedFailureThreshold; i++ {
		m.RecordFailure("peer-b", errors.New("boom"))
	}

	stats := m.Stats()
	if stats.TotalPeers != 2 {
		t.Fatalf("expected 2 total peers, got %d", stats.TotalPeers)
	}
	if stats.HealthyPeers != 1 {
		t.Fatalf("expected 1 healthy peer, got %d", stats.HealthyPeers)
	}
	if stats.FailedPeers != 1 {
		t.Fatalf("expected 1 failed peer, got %d", stats.FailedPeers)
	}
}
