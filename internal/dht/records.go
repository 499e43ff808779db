// Package dht: wire record format for the overlay's content-addressed
// key/value space.
package dht

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/meshvault/meshvault/pkg/codec/cborcanon"
)

// SignedRecord is a DHT record signed by its publisher: {key, value,
// publisher, expires}. Key and Value are opaque to the overlay — the store
// never inspects them (it may check key == H(value) as a sanity policy, but
// a correct client never produces a mismatch).
type SignedRecord struct {
	Key       []byte `cbor:"key"`
	Value     []byte `cbor:"value"`
	Publisher string `cbor:"publisher,omitempty"`
	ExpiresAt uint64 `cbor:"expires_at,omitempty"` // ms since epoch, 0 = store default
	Sig       []byte `cbor:"sig"`
}

// NewSignedRecord creates and signs a record over key|value|publisher|expires.
func NewSignedRecord(key, value []byte, publisher string, expiresAt uint64, privateKey ed25519.PrivateKey) (*SignedRecord, error) {
	rec := &SignedRecord{
		Key:       key,
		Value:     value,
		Publisher: publisher,
		ExpiresAt: expiresAt,
	}
	if err := rec.Sign(privateKey); err != nil {
		return nil, err
	}
	return rec, nil
}

// Sign signs the record with the given private key over its canonical,
// signature-excluded encoding.
func (r *SignedRecord) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(r, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode record for signing: %w", err)
	}
	r.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the record's signature against the given public key.
func (r *SignedRecord) Verify(publicKey ed25519.PublicKey) error {
	if len(r.Sig) == 0 {
		return fmt.Errorf("record is not signed")
	}
	sigData, err := cborcanon.EncodeForSigning(r, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode record for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, r.Sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// IsExpired reports whether the record's absolute expiry has passed. A
// zero ExpiresAt means "no record-level expiry override" and is never
// expired at this layer; TTL enforcement for that case happens in the
// persistent record store using its configured default.
func (r *SignedRecord) IsExpired() bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return uint64(time.Now().UnixMilli()) > r.ExpiresAt
}
