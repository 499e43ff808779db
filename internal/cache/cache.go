// Package cache implements the smart cache: a two-level façade over a
// scored, priority-aware file cache and a plain LRU chunk cache, backed by
// an access-pattern analyser that drives both eviction and preloading.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/meshvault/meshvault/pkg/constants"
)

// Priority biases a cached file's eviction score: a Critical file survives
// far longer under pressure than a Low one with identical access stats.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// coefficient returns the priority's additive contribution to an eviction
// score — lower coefficient means "protect me more".
func (p Priority) coefficient() float64 {
	switch p {
	case PriorityCritical:
		return 0.1
	case PriorityHigh:
		return 0.3
	case PriorityMedium:
		return 0.6
	default:
		return 1.0
	}
}

// CachedFile is one file cache entry.
type CachedFile struct {
	Data        []byte
	AccessCount int
	LastAccess  time.Time
	CachedAt    time.Time
	Priority    Priority
	TTL         time.Duration
}

// Stats tracks the cache's running counters, exposed verbatim by Stats().
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Preloads    int64
	CachedBytes int64
}

// HitRatio returns Hits/(Hits+Misses), or 0 with no traffic yet.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// EventType distinguishes a genuine access from a preloader-driven one so
// the predictor isn't skewed by its own background fetches.
type EventType int

const (
	EventGet EventType = iota
	EventPreload
)

type accessEvent struct {
	key          string
	kind         EventType
	at           time.Time
	responseTime time.Duration
	size         int
}

// Config configures a Cache.
type Config struct {
	FileCacheSizeBytes  int64
	ChunkCacheSizeBytes int64
	MaxCacheableBytes   int64
	TTLHours            int
	SweepInterval       time.Duration
	PreloadInterval     time.Duration
	PreloadTopN         int
}

// DefaultConfig returns a Config seeded from pkg/constants.
func DefaultConfig() Config {
	return Config{
		FileCacheSizeBytes:  constants.DefaultFileCacheSizeBytes,
		ChunkCacheSizeBytes: constants.DefaultChunkCacheSizeBytes,
		MaxCacheableBytes:   constants.DefaultMaxCacheableFileBytes,
		TTLHours:            constants.DefaultCacheTTLHours,
		SweepInterval:       constants.DefaultCacheSweepInterval,
		PreloadInterval:     constants.DefaultPreloadInterval,
		PreloadTopN:         constants.DefaultPreloadTopN,
	}
}

// Preloader is implemented by whatever can fetch a file on the cache's
// behalf — in the running process, internal/dispatcher plus internal/actor
// composed into the normal get path.
type Preloader interface {
	Preload(fileHandle string) ([]byte, error)
}

// Cache is the two-level smart cache façade.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	files     map[string]*CachedFile
	fileBytes int64

	chunks *lru.LRU[string, []byte]

	statsMu sync.Mutex
	stats   Stats

	historyMu sync.Mutex
	history   []accessEvent

	preloader Preloader

	cancel func()
}

// New creates a Cache. preloader may be nil, in which case the background
// preloader loop is inert.
func New(cfg Config, preloader Preloader) (*Cache, error) {
	if cfg.FileCacheSizeBytes <= 0 {
		cfg.FileCacheSizeBytes = constants.DefaultFileCacheSizeBytes
	}
	if cfg.ChunkCacheSizeBytes <= 0 {
		cfg.ChunkCacheSizeBytes = constants.DefaultChunkCacheSizeBytes
	}
	if cfg.MaxCacheableBytes <= 0 {
		cfg.MaxCacheableBytes = constants.DefaultMaxCacheableFileBytes
	}
	if cfg.TTLHours <= 0 {
		cfg.TTLHours = constants.DefaultCacheTTLHours
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultCacheSweepInterval
	}
	if cfg.PreloadInterval <= 0 {
		cfg.PreloadInterval = constants.DefaultPreloadInterval
	}
	if cfg.PreloadTopN <= 0 {
		cfg.PreloadTopN = constants.DefaultPreloadTopN
	}

	chunkCache, err := lru.NewLRU[string, []byte](1<<20, nil)
	if err != nil {
		return nil, err
	}

	return &Cache{
		cfg:       cfg,
		files:     make(map[string]*CachedFile),
		chunks:    chunkCache,
		preloader: preloader,
	}, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}
