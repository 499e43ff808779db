package store

import (
	"encoding/hex"

	bolt "go.etcd.io/bbolt"

	"github.com/meshvault/meshvault/pkg/codec/cborcanon"
	"github.com/meshvault/meshvault/pkg/pipeline"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// PutMetadata persists a stored object's metadata record, keyed by the
// hex-encoded fileKey the caller derives for it — metadata.FileHandle, the
// BLAKE3 hash of the object's encrypted body as pipeline.PutObject computes
// it.
func (s *Store) PutMetadata(fileKey []byte, metadata *pipeline.StoredFileMetadata) error {
	data, err := cborcanon.Marshal(metadata)
	if err != nil {
		return verrors.NewEncodingError("failed to encode object metadata", err)
	}

	key := hex.EncodeToString(fileKey)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), data)
	})
	if err != nil {
		return verrors.NewIoError("failed to store object metadata", err)
	}
	return nil
}

// GetMetadata retrieves a stored object's metadata record by fileKey.
func (s *Store) GetMetadata(fileKey []byte) (*pipeline.StoredFileMetadata, error) {
	key := hex.EncodeToString(fileKey)

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMetadata).Get([]byte(key))
		if v == nil {
			return nil
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, verrors.NewIoError("failed to read object metadata", err)
	}
	if data == nil {
		return nil, verrors.NewNotFoundError(key)
	}

	var metadata pipeline.StoredFileMetadata
	if err := cborcanon.Unmarshal(data, &metadata); err != nil {
		return nil, verrors.NewEncodingError("failed to decode object metadata", err)
	}
	return &metadata, nil
}

// DeleteMetadata removes a stored object's metadata record.
func (s *Store) DeleteMetadata(fileKey []byte) error {
	key := hex.EncodeToString(fileKey)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete([]byte(key))
	})
	if err != nil {
		return verrors.NewIoError("failed to delete object metadata", err)
	}
	return nil
}
