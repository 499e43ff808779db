// Package pipeline implements the put/get orchestration that turns a plain
// byte stream into an erasure-coded, encrypted set of shards addressed by
// content hash, and back again.
package pipeline

import (
	"bytes"
	"crypto/rand"
	"io"
	"time"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	ecies "github.com/meshvault/meshvault/pkg/crypto"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// shardArity always derives from the configured data/parity counts; it is
// never hardcoded so that changing the erasure-coding ratio never requires
// touching call sites.
func shardArity(dataShards, parityShards int) int {
	return dataShards + parityShards
}

// StoredFileMetadata is the wire record describing one stored object: the
// content address of each shard, the wrapped symmetric key, and enough
// bookkeeping to decrypt and re-serve the original bytes.
type StoredFileMetadata struct {
	FileHandle    [32]byte  `cbor:"file_handle"`
	ChunkKeys     [][]byte  `cbor:"chunk_keys"`
	EncryptionKey []byte    `cbor:"encryption_key"`
	FileSize      uint64    `cbor:"file_size"`
	PublicKeyHex  string    `cbor:"public_key_hex"`
	FileName      string    `cbor:"file_name,omitempty"`
	StoredAt      time.Time `cbor:"stored_at"`
}

// encryptedBodyLen derives the total size of the nonce||ciphertext||tag
// body from the plaintext size, without ever storing it explicitly: it
// follows deterministically from the AEAD's fixed nonce and tag overhead.
func encryptedBodyLen(plaintextLen int) int {
	return chacha20poly1305.NonceSizeX + plaintextLen + chacha20poly1305.Overhead
}

// PutObject encrypts plaintext for recipientPub, erasure-codes the result
// into dataShards+parityShards content-addressed shards, and returns the
// metadata record a caller persists alongside them. metadata.FileHandle is
// the BLAKE3 hash of the encrypted body (nonce||ciphertext||tag) before
// splitting — the File Handle callers key storage and retrieval by.
func PutObject(plaintext []byte, recipientPub [32]byte, publicKeyHex, fileName string, dataShards, parityShards int) (shards [][]byte, metadata *StoredFileMetadata, err error) {
	fileKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, fileKey); err != nil {
		return nil, nil, verrors.NewCryptoError("failed to generate file key", err)
	}

	aead, err := chacha20poly1305.NewX(fileKey)
	if err != nil {
		return nil, nil, verrors.NewCryptoError("failed to construct AEAD", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, verrors.NewCryptoError("failed to generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	encryptedBody := append(append([]byte{}, nonce...), ciphertext...)

	wrappedKey, err := ecies.Seal(recipientPub, fileKey)
	if err != nil {
		return nil, nil, err
	}

	shards, err = splitAndEncode(encryptedBody, dataShards, parityShards)
	if err != nil {
		return nil, nil, err
	}

	chunkKeys := make([][]byte, len(shards))
	for i, shard := range shards {
		key := blake3.Sum256(shard)
		chunkKeys[i] = key[:]
	}

	metadata = &StoredFileMetadata{
		FileHandle:    blake3.Sum256(encryptedBody),
		ChunkKeys:     chunkKeys,
		EncryptionKey: wrappedKey,
		FileSize:      uint64(len(plaintext)),
		PublicKeyHex:  publicKeyHex,
		FileName:      fileName,
		StoredAt:      time.Now().UTC(),
	}

	return shards, metadata, nil
}

// GetObject reassembles plaintext from shards (any entries missing or
// corrupt are passed as nil) and metadata, decrypting with the given
// X25519 private key. Truncation to the recorded file size happens only
// after decryption succeeds — truncating ciphertext first would hand the
// AEAD a corrupt authentication tag.
func GetObject(metadata *StoredFileMetadata, recipientPriv [32]byte, shards [][]byte, dataShards, parityShards int) ([]byte, error) {
	if len(shards) != shardArity(dataShards, parityShards) {
		return nil, verrors.NewIntegrityError("shard count does not match configured arity", "", nil)
	}

	encryptedBody, err := reconstructAndJoin(shards, dataShards, parityShards, encryptedBodyLen(int(metadata.FileSize)))
	if err != nil {
		return nil, err
	}

	fileKey, err := ecies.Open(recipientPriv, metadata.EncryptionKey)
	if err != nil {
		return nil, err
	}

	if len(encryptedBody) < chacha20poly1305.NonceSizeX {
		return nil, verrors.NewIntegrityError("reassembled body shorter than a nonce", "", nil)
	}
	nonce := encryptedBody[:chacha20poly1305.NonceSizeX]
	ciphertext := encryptedBody[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(fileKey)
	if err != nil {
		return nil, verrors.NewCryptoError("failed to construct AEAD", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, verrors.NewIntegrityError("decryption failed: body authentication mismatch", "", err)
	}

	if uint64(len(plaintext)) > metadata.FileSize {
		plaintext = plaintext[:metadata.FileSize]
	}

	return plaintext, nil
}

// VerifyChunk checks that shard hashes to the content address recorded at
// index i of metadata's chunk key list.
func VerifyChunk(metadata *StoredFileMetadata, index int, shard []byte) bool {
	if index < 0 || index >= len(metadata.ChunkKeys) {
		return false
	}
	sum := blake3.Sum256(shard)
	return bytes.Equal(sum[:], metadata.ChunkKeys[index])
}

func splitAndEncode(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, verrors.NewEncodingError("failed to construct erasure encoder", err)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return nil, verrors.NewEncodingError("failed to split object into shards", err)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, verrors.NewEncodingError("failed to compute parity shards", err)
	}

	return shards, nil
}

func reconstructAndJoin(shards [][]byte, dataShards, parityShards, outSize int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, verrors.NewEncodingError("failed to construct erasure encoder", err)
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, verrors.NewIntegrityError("failed to reconstruct missing shards", "", err)
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, outSize); err != nil {
		return nil, verrors.NewIntegrityError("failed to join reconstructed shards", "", err)
	}

	return buf.Bytes(), nil
}
