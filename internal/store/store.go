// Package store implements the persistent, TTL-swept record and chunk
// store that backs the DHT's short-lived in-memory view and the content
// pipeline's shard storage. A bbolt database provides the durable tier;
// an in-process LRU cache fronts it for hot reads, following the
// boltdb-backed persistence pattern used elsewhere in the retrieved
// corpus for node/service/secret storage.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	bolt "go.etcd.io/bbolt"

	"github.com/meshvault/meshvault/pkg/constants"
)

var (
	bucketChunks   = []byte("chunks")
	bucketMetadata = []byte("metadata")
	bucketRecords  = []byte("records")
)

// Config controls how a Store is opened.
type Config struct {
	DataDir string

	// ChunkCacheSize and RecordCacheSize bound the in-memory LRU tiers, in
	// entry count rather than bytes (the smart cache layer above this one
	// owns byte-budgeted eviction; this cache exists purely to avoid a
	// bbolt round trip for recently touched keys).
	ChunkCacheSize  int
	RecordCacheSize int
	SweepInterval   time.Duration
}

// DefaultConfig returns sensible defaults rooted in pkg/constants.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:         dataDir,
		ChunkCacheSize:  1024,
		RecordCacheSize: 4096,
		SweepInterval:   constants.RecordSweepInterval,
	}
}

// Store is the durable, TTL-swept key/value store for shards and DHT
// records.
type Store struct {
	db  *bolt.DB
	cfg Config

	chunkCacheMu sync.Mutex
	chunkCache   *lru.LRU[string, []byte]

	recordCacheMu sync.Mutex
	recordCache   *lru.LRU[string, []byte]

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates or opens the bbolt database at cfg.DataDir/store.db and
// starts the expiry sweeper.
func Open(cfg Config) (*Store, error) {
	dbPath := filepath.Join(cfg.DataDir, "store.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChunks, bucketMetadata, bucketRecords} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	chunkCache, _ := lru.NewLRU[string, []byte](cfg.ChunkCacheSize, nil)
	recordCache, _ := lru.NewLRU[string, []byte](cfg.RecordCacheSize, nil)

	s := &Store{
		db:          db,
		cfg:         cfg,
		chunkCache:  chunkCache,
		recordCache: recordCache,
		done:        make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweepLoop(ctx)

	return s, nil
}

// Close stops the sweeper and closes the underlying database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.db.Close()
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = constants.RecordSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredRecords()
		}
	}
}
