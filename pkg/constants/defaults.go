// Package constants defines cross-cutting defaults for the overlay, pipeline,
// dispatcher, quorum, resilience and cache layers.
package constants

import "time"

// DHT routing configuration: bucket size K=20, concurrency alpha=3.
const (
	DHTBucketSize = 20
	DHTAlpha      = 3
)

// Record store timing.
const (
	// RecordDefaultTTL is the TTL a put uses when the caller gives none (a
	// zero or negative TTL, or a record with no expiry). An explicit TTL is
	// kept as given, even when shorter than this default, and re-putting a
	// record replaces its stored expiry, which can move it earlier.
	RecordDefaultTTL = 24 * time.Hour

	// RecordSweepInterval is how often the persistent store's expiry
	// sweeper walks the records bucket.
	RecordSweepInterval = 1 * time.Hour

	// MaxClockSkew bounds how far a frame's timestamp may drift from local
	// wall-clock time before it is rejected.
	MaxClockSkew = 120 * time.Second
)

// Erasure-coding and shard sizing defaults.
const (
	DataShards   = 4
	ParityShards = 2

	// ChunkSize is the nominal chunk size used for non-pipeline transfers
	// (kept for compatibility with the transport layer's framing).
	ChunkSize = 1024 * 1024 // 1 MiB
)

// Protocol framing.
const (
	ProtocolVersion = 1

	DefaultQUICPort = 27487
	DefaultTCPPort  = 27488

	HashAlgorithm = "blake3-256"
	TextEncoding  = "utf-8"
)

// Wire-level error codes (transport scope only —
// the richer application error taxonomy lives in pkg/verrors).
const (
	ErrorInvalidSig      = 1
	ErrorNotFound        = 2
	ErrorNoProvider      = 3
	ErrorRateLimit       = 4
	ErrorVersionMismatch = 5
)

// Message kinds carried in a BaseFrame.
const (
	KindPing        = 1
	KindPong        = 2
	KindDHTGet      = 10
	KindDHTPut      = 11
	KindDHTGetReply = 12
	KindDHTPutReply = 13
	KindFetchChunk  = 40
	KindChunkData   = 41
)

// Dispatcher defaults.
const (
	DefaultMaxConcurrentRetrievals = 8
	DefaultMaxConcurrentUploads    = 4
	DefaultChunkTimeout            = 10 * time.Second
	DefaultRetryFailedChunks       = 3
	DefaultPreferFastPeers         = true

	// ResponsivePeerMinSuccessRate and ResponsivePeerMaxAge decide which
	// peers the dispatcher counts as responsive. Responsive peers are ordered
	// first, and the first ResponsivePeerRaceWidth peers in that order are
	// raced whether or not any of them is responsive; there is no fallback
	// to a plain overlay get.
	ResponsivePeerMinSuccessRate = 0.7
	ResponsivePeerMaxAge         = 5 * time.Minute
	ResponsivePeerRaceWidth      = 3
)

// Quorum manager defaults.
const (
	DefaultMinQuorum            = 1
	DefaultMaxQuorum            = 5
	DefaultQuorumPercentage     = 0.5
	DefaultMinPeersForPercent   = 3
	DefaultReliabilityThreshold = 0.8
	ReliabilityMaxAgeHours      = 24
)

// Resilience defaults.
const (
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 60 * time.Second
	DefaultSuccessThreshold    = 3
	DefaultMaxHalfOpenRequests = 3

	DefaultRetryMaxAttempts    = 3
	DefaultRetryInitialDelay   = 100 * time.Millisecond
	DefaultRetryMaxDelay       = 10 * time.Second
	DefaultRetryBackoffFactor  = 2.0
)

// Bootstrap manager defaults.
const (
	DefaultBootstrapMaxAttempts       = 5
	DefaultBootstrapBaseDelay         = 1 * time.Second
	DefaultBootstrapMaxDelay          = 30 * time.Second
	DefaultBootstrapBackoffMultiplier = 2.0
	DefaultBootstrapMinConnections    = 1
	DefaultBootstrapMaxConnections    = 8
	DefaultBootstrapHealthInterval    = 30 * time.Second
	BootstrapHealthyWindow            = 5 * time.Minute
)

// Failover manager defaults.
const (
	DefaultFailoverHealthCheckInterval = 30 * time.Second
	DefaultFailoverSustainedFailures   = 3
	DefaultFailoverRedundancyFactor    = 2
	FailoverConnectionStaleAfter       = 5 * time.Minute
)

// Quota tiers, keyed by account type.
const (
	FreeMaxConcurrentOps    = 2
	FreeBandwidthPerHour    = 100 * 1024 * 1024
	FreeMaxStorage          = 1024 * 1024 * 1024
	FreeMaxFileSize         = 10 * 1024 * 1024
	FreeOperationsPerMinute = 10

	PremiumMaxConcurrentOps    = 8
	PremiumBandwidthPerHour    = 1024 * 1024 * 1024
	PremiumMaxStorage          = 100 * 1024 * 1024 * 1024
	PremiumMaxFileSize         = 100 * 1024 * 1024
	PremiumOperationsPerMinute = 60

	EnterpriseMaxConcurrentOps    = 20
	EnterpriseBandwidthPerHour    = 10 * 1024 * 1024 * 1024
	EnterpriseMaxStorage          = 1024 * 1024 * 1024 * 1024
	EnterpriseMaxFileSize         = 1024 * 1024 * 1024
	EnterpriseOperationsPerMinute = 300

	QuotaBandwidthWindow = 1 * time.Hour
	QuotaRateLimitWindow = 1 * time.Minute
	QuotaRetryAfterCeil  = 30 * time.Second
)

// Network actor defaults.
const (
	DefaultActorCommandBuffer = 32
	DefaultActorStatsInterval = 10 * time.Second
)

// Smart cache defaults.
const (
	DefaultFileCacheSizeBytes    = 2 * 1024 * 1024 * 1024 // 2 GiB
	DefaultChunkCacheSizeBytes   = 512 * 1024 * 1024       // 512 MiB
	DefaultMaxCacheableFileBytes = 100 * 1024 * 1024       // 100 MiB
	DefaultCacheTTLHours         = 24
	DefaultCacheSweepInterval    = 1 * time.Hour
	DefaultPreloadInterval       = 5 * time.Minute

	// SmallFileThresholdBytes / SmallFileMinFrequency gate the
	// frequency-based admission rule: a small, popular file is cached even
	// without a high predicted-access score.
	SmallFileThresholdBytes       = 1024 * 1024
	SmallFileMinFrequency         = 2
	PredictedAccessAdmitThreshold = 0.7

	// Eviction score weights (LRU/frequency/recency/size) MUST sum to 1;
	// priority contributes additively with its own coefficient.
	EvictionWeightLRU           = 0.3
	EvictionWeightFrequency     = 0.3
	EvictionWeightRecency       = 0.2
	EvictionWeightSize          = 0.2
	EvictionPriorityCoefficient = 0.5

	// Access-pattern predictor weights (LRU recency rank / popularity /
	// normalised frequency) also sum to 1.
	PredictWeightRecency    = 0.4
	PredictWeightPopularity = 0.4
	PredictWeightFrequency  = 0.2

	AccessHistorySize  = 1024
	DefaultPreloadTopN = 10
)
