// Package config loads and validates the node's YAML runtime configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshvault/meshvault/pkg/constants"
)

// Config is the top-level runtime configuration for a node.
type Config struct {
	SwarmID       string           `yaml:"swarm_id"`
	IdentityPath  string           `yaml:"identity_path"`
	DataDir       string           `yaml:"data_dir"`
	Listen        ListenConfig     `yaml:"listen"`
	Bootstrap     []BootstrapPeer  `yaml:"bootstrap"`
	ErasureCoding ErasureCoding    `yaml:"erasure_coding"`
	Dispatcher    DispatcherConfig `yaml:"dispatcher"`
	Quorum        QuorumConfig     `yaml:"quorum"`
	Resilience    ResilienceConfig `yaml:"resilience"`
	Cache         CacheConfig      `yaml:"cache"`
	Failover      FailoverConfig   `yaml:"failover"`
	Quota         QuotaConfig      `yaml:"quota"`
}

// ListenConfig holds the node's advertised listen addresses and which
// transport actually binds one of them.
type ListenConfig struct {
	QUIC     string `yaml:"quic"`
	TCP      string `yaml:"tcp"`
	Protocol string `yaml:"protocol"` // "quic" or "tcp"
}

// BootstrapPeer is a roster entry fed to the bootstrap manager.
type BootstrapPeer struct {
	PeerID   string `yaml:"peer_id"`
	Address  string `yaml:"address"`
	Priority int    `yaml:"priority"`
	Region   string `yaml:"region,omitempty"`
}

// ErasureCoding controls shard geometry and nominal chunk size.
type ErasureCoding struct {
	DataShards   int   `yaml:"data_shards"`
	ParityShards int   `yaml:"parity_shards"`
	ChunkSize    int64 `yaml:"chunk_size_bytes"`
}

// DispatcherConfig controls the concurrent chunk dispatcher.
type DispatcherConfig struct {
	MaxConcurrentRetrievals int           `yaml:"max_concurrent_retrievals"`
	MaxConcurrentUploads    int           `yaml:"max_concurrent_uploads"`
	ChunkTimeout            time.Duration `yaml:"chunk_timeout"`
	RetryFailedChunks       int           `yaml:"retry_failed_chunks"`
	PreferFastPeers         bool          `yaml:"prefer_fast_peers"`
}

// QuorumConfig controls the adaptive quorum manager.
type QuorumConfig struct {
	MinQuorum            int     `yaml:"min_quorum"`
	MaxQuorum            int     `yaml:"max_quorum"`
	QuorumPercentage     float64 `yaml:"quorum_percentage"`
	MinPeersForPercent   int     `yaml:"min_peers_for_percent"`
	ReliabilityThreshold float64 `yaml:"reliability_threshold"`
}

// ResilienceConfig controls retry/timeout/circuit-breaker behavior.
type ResilienceConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	MaxHalfOpenRequests int           `yaml:"max_half_open_requests"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	RetryInitialDelay   time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay"`
	RetryBackoffFactor  float64       `yaml:"retry_backoff_factor"`
}

// CacheConfig controls the two-level smart cache.
type CacheConfig struct {
	FileCacheSizeBytes  int64         `yaml:"file_cache_size_bytes"`
	ChunkCacheSizeBytes int64         `yaml:"chunk_cache_size_bytes"`
	TTL                 time.Duration `yaml:"ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	PreloadInterval     time.Duration `yaml:"preload_interval"`
}

// FailoverConfig controls the health checker and strategy selector.
type FailoverConfig struct {
	Strategy                  string        `yaml:"strategy"` // circuit_breaker | immediate | gradual | redundant
	HealthCheckInterval       time.Duration `yaml:"health_check_interval"`
	SustainedFailureThreshold int           `yaml:"sustained_failure_threshold"`
	RedundancyFactor          int           `yaml:"redundancy_factor"`
}

// QuotaConfig controls per-account admission control.
type QuotaConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration populated entirely from the package
// defaults in pkg/constants.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Listen: ListenConfig{
			QUIC:     fmt.Sprintf(":%d", constants.DefaultQUICPort),
			TCP:      fmt.Sprintf(":%d", constants.DefaultTCPPort),
			Protocol: "quic",
		},
		ErasureCoding: ErasureCoding{
			DataShards:   constants.DataShards,
			ParityShards: constants.ParityShards,
			ChunkSize:    constants.ChunkSize,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrentRetrievals: constants.DefaultMaxConcurrentRetrievals,
			MaxConcurrentUploads:    constants.DefaultMaxConcurrentUploads,
			ChunkTimeout:            constants.DefaultChunkTimeout,
			RetryFailedChunks:       constants.DefaultRetryFailedChunks,
			PreferFastPeers:         constants.DefaultPreferFastPeers,
		},
		Quorum: QuorumConfig{
			MinQuorum:            constants.DefaultMinQuorum,
			MaxQuorum:            constants.DefaultMaxQuorum,
			QuorumPercentage:     constants.DefaultQuorumPercentage,
			MinPeersForPercent:   constants.DefaultMinPeersForPercent,
			ReliabilityThreshold: constants.DefaultReliabilityThreshold,
		},
		Resilience: ResilienceConfig{
			FailureThreshold:    constants.DefaultFailureThreshold,
			RecoveryTimeout:     constants.DefaultRecoveryTimeout,
			SuccessThreshold:    constants.DefaultSuccessThreshold,
			MaxHalfOpenRequests: constants.DefaultMaxHalfOpenRequests,
			RetryMaxAttempts:    constants.DefaultRetryMaxAttempts,
			RetryInitialDelay:   constants.DefaultRetryInitialDelay,
			RetryMaxDelay:       constants.DefaultRetryMaxDelay,
			RetryBackoffFactor:  constants.DefaultRetryBackoffFactor,
		},
		Cache: CacheConfig{
			FileCacheSizeBytes:  constants.DefaultFileCacheSizeBytes,
			ChunkCacheSizeBytes: constants.DefaultChunkCacheSizeBytes,
			TTL:                 constants.DefaultCacheTTLHours * time.Hour,
			SweepInterval:       constants.DefaultCacheSweepInterval,
			PreloadInterval:     constants.DefaultPreloadInterval,
		},
		Failover: FailoverConfig{
			Strategy:                  "circuit_breaker",
			HealthCheckInterval:       constants.DefaultFailoverHealthCheckInterval,
			SustainedFailureThreshold: constants.DefaultFailoverSustainedFailures,
			RedundancyFactor:          constants.DefaultFailoverRedundancyFactor,
		},
		Quota: QuotaConfig{
			Enabled: false,
		},
	}
}

// Load reads and strictly decodes a YAML configuration file, rejecting
// unknown keys, then overlays it onto the package defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that YAML decoding alone cannot enforce.
func (c *Config) Validate() error {
	if c.SwarmID == "" {
		return fmt.Errorf("swarm_id is required")
	}
	if c.ErasureCoding.DataShards <= 0 || c.ErasureCoding.ParityShards <= 0 {
		return fmt.Errorf("erasure_coding.data_shards and parity_shards must be positive")
	}
	if c.Quorum.MinQuorum <= 0 || c.Quorum.MaxQuorum < c.Quorum.MinQuorum {
		return fmt.Errorf("quorum.min_quorum must be positive and not exceed max_quorum")
	}
	if c.Dispatcher.MaxConcurrentRetrievals <= 0 || c.Dispatcher.MaxConcurrentUploads <= 0 {
		return fmt.Errorf("dispatcher concurrency limits must be positive")
	}
	return nil
}
