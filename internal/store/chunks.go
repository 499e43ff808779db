package store

import (
	"encoding/hex"

	bolt "go.etcd.io/bbolt"

	"github.com/meshvault/meshvault/pkg/codec/cborcanon"
	"github.com/meshvault/meshvault/pkg/content"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// chunkKey is the bbolt key for a shard's content identifier: the hex
// encoding of its BLAKE3-256 hash, so shards are addressed the same way
// whether they're fetched from the cache, bbolt, or a remote peer.
func chunkKey(cid content.CID) string {
	return hex.EncodeToString(cid.Hash)
}

// PutChunk persists a shard, keyed by its content identifier.
func (s *Store) PutChunk(chunk *content.Chunk) error {
	data, err := cborcanon.Marshal(chunk)
	if err != nil {
		return verrors.NewEncodingError("failed to encode chunk", err)
	}

	key := chunkKey(chunk.CID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put([]byte(key), data)
	})
	if err != nil {
		return verrors.NewIoError("failed to store chunk", err)
	}

	s.chunkCacheMu.Lock()
	s.chunkCache.Add(key, data)
	s.chunkCacheMu.Unlock()

	return nil
}

// GetChunk retrieves a shard by content identifier.
func (s *Store) GetChunk(cid content.CID) (*content.Chunk, error) {
	key := chunkKey(cid)

	s.chunkCacheMu.Lock()
	cached, ok := s.chunkCache.Get(key)
	s.chunkCacheMu.Unlock()

	var data []byte
	if ok {
		data = cached
	} else {
		err := s.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketChunks).Get([]byte(key))
			if v == nil {
				return nil
			}
			data = make([]byte, len(v))
			copy(data, v)
			return nil
		})
		if err != nil {
			return nil, verrors.NewIoError("failed to read chunk", err)
		}
		if data == nil {
			return nil, verrors.NewNotFoundError(key)
		}
		s.chunkCacheMu.Lock()
		s.chunkCache.Add(key, data)
		s.chunkCacheMu.Unlock()
	}

	var chunk content.Chunk
	if err := cborcanon.Unmarshal(data, &chunk); err != nil {
		return nil, verrors.NewEncodingError("failed to decode chunk", err)
	}
	return &chunk, nil
}

// HasChunk reports whether a shard for cid is stored.
func (s *Store) HasChunk(cid content.CID) bool {
	key := chunkKey(cid)

	s.chunkCacheMu.Lock()
	_, ok := s.chunkCache.Get(key)
	s.chunkCacheMu.Unlock()
	if ok {
		return true
	}

	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketChunks).Get([]byte(key)) != nil
		return nil
	})
	return found
}

// DeleteChunk removes a shard by content identifier.
func (s *Store) DeleteChunk(cid content.CID) error {
	key := chunkKey(cid)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(key))
	})
	if err != nil {
		return verrors.NewIoError("failed to delete chunk", err)
	}

	s.chunkCacheMu.Lock()
	s.chunkCache.Remove(key)
	s.chunkCacheMu.Unlock()

	return nil
}

// Chunks returns a content.ChunkStore view backed by this store, for
// callers that only need the narrower shard-storage contract.
func (s *Store) Chunks() content.ChunkStore {
	return chunkAdapter{s}
}

type chunkAdapter struct{ s *Store }

func (c chunkAdapter) Put(chunk *content.Chunk) error              { return c.s.PutChunk(chunk) }
func (c chunkAdapter) Get(cid content.CID) (*content.Chunk, error) { return c.s.GetChunk(cid) }
func (c chunkAdapter) Has(cid content.CID) bool                    { return c.s.HasChunk(cid) }
func (c chunkAdapter) Delete(cid content.CID) error                { return c.s.DeleteChunk(cid) }
func (c chunkAdapter) List() ([]content.CID, error)                { return c.s.ListChunks() }

// ListChunks returns the content identifiers of every stored shard.
func (s *Store) ListChunks() ([]content.CID, error) {
	var cids []content.CID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var chunk content.Chunk
			if err := cborcanon.Unmarshal(v, &chunk); err != nil {
				return err
			}
			cids = append(cids, chunk.CID)
			return nil
		})
	})
	if err != nil {
		return nil, verrors.NewEncodingError("failed to list chunks", err)
	}
	return cids, nil
}
