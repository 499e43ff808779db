package store

import (
	"encoding/hex"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/pkg/codec/cborcanon"
	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// storedRecord wraps a signed DHT record with the absolute expiry resolved
// at put time. The record's own ExpiresAt field stays untouched (mutating
// it would invalidate the publisher's signature); a zero ExpiresAt on the
// record means "use the store's default TTL", resolved here once and kept
// alongside instead of inside the signed payload.
type storedRecord struct {
	Record    *dht.SignedRecord `cbor:"record"`
	ExpiresAt int64             `cbor:"expires_at"` // unix ms
}

func recordKey(key []byte) string {
	return hex.EncodeToString(key)
}

// PutRecord persists a signed DHT record, resolving its TTL against
// constants.RecordDefaultTTL when the record carries no explicit expiry.
func (s *Store) PutRecord(rec *dht.SignedRecord) error {
	expiresAt := int64(rec.ExpiresAt)
	if expiresAt == 0 {
		expiresAt = time.Now().Add(constants.RecordDefaultTTL).UnixMilli()
	}

	wrapped := storedRecord{Record: rec, ExpiresAt: expiresAt}
	data, err := cborcanon.Marshal(&wrapped)
	if err != nil {
		return verrors.NewEncodingError("failed to encode record", err)
	}

	key := recordKey(rec.Key)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(key), data)
	})
	if err != nil {
		return verrors.NewIoError("failed to store record", err)
	}

	s.recordCacheMu.Lock()
	s.recordCache.Add(key, data)
	s.recordCacheMu.Unlock()

	return nil
}

// GetRecord retrieves a record by key, reporting NotFound if it is absent
// or has expired.
func (s *Store) GetRecord(key []byte) (*dht.SignedRecord, error) {
	k := recordKey(key)

	s.recordCacheMu.Lock()
	cached, ok := s.recordCache.Get(k)
	s.recordCacheMu.Unlock()

	var data []byte
	if ok {
		data = cached
	} else {
		err := s.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketRecords).Get([]byte(k))
			if v == nil {
				return nil
			}
			data = make([]byte, len(v))
			copy(data, v)
			return nil
		})
		if err != nil {
			return nil, verrors.NewIoError("failed to read record", err)
		}
		if data == nil {
			return nil, verrors.NewNotFoundError(k)
		}
		s.recordCacheMu.Lock()
		s.recordCache.Add(k, data)
		s.recordCacheMu.Unlock()
	}

	var wrapped storedRecord
	if err := cborcanon.Unmarshal(data, &wrapped); err != nil {
		return nil, verrors.NewEncodingError("failed to decode record", err)
	}

	if time.Now().UnixMilli() > wrapped.ExpiresAt {
		return nil, verrors.NewNotFoundError(k)
	}

	return wrapped.Record, nil
}

// DeleteRecord removes a record by key.
func (s *Store) DeleteRecord(key []byte) error {
	k := recordKey(key)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(k))
	})
	if err != nil {
		return verrors.NewIoError("failed to delete record", err)
	}

	s.recordCacheMu.Lock()
	s.recordCache.Remove(k)
	s.recordCacheMu.Unlock()

	return nil
}

// Records returns every unexpired record currently stored.
func (s *Store) Records() ([]*dht.SignedRecord, error) {
	now := time.Now().UnixMilli()

	var records []*dht.SignedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var wrapped storedRecord
			if err := cborcanon.Unmarshal(v, &wrapped); err != nil {
				return err
			}
			if now > wrapped.ExpiresAt {
				return nil
			}
			records = append(records, wrapped.Record)
			return nil
		})
	})
	if err != nil {
		return nil, verrors.NewEncodingError("failed to list records", err)
	}
	return records, nil
}

// sweepExpiredRecords removes every record whose resolved TTL has passed,
// run periodically by the store's background sweeper.
func (s *Store) sweepExpiredRecords() {
	now := time.Now().UnixMilli()
	var expiredKeys []string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			var wrapped storedRecord
			if err := cborcanon.Unmarshal(v, &wrapped); err != nil {
				return nil
			}
			if now > wrapped.ExpiresAt {
				expiredKeys = append(expiredKeys, string(k))
			}
			return nil
		})
	})

	if len(expiredKeys) == 0 {
		return
	}

	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, k := range expiredKeys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})

	s.recordCacheMu.Lock()
	for _, k := range expiredKeys {
		s.recordCache.Remove(k)
	}
	s.recordCacheMu.Unlock()
}
