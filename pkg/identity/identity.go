// Package identity implements node identity management: Ed25519 signing
// keys, X25519 key-agreement keys, their canonical peer-id derivation, and
// on-disk persistence.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Identity represents a node's signing and key-agreement key pairs.
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair, used for ECIES-style object encryption
	// and Noise IK session handshakes.
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached values
	bid string // Canonical peer id; format described on BID
}

// GenerateIdentity creates a new identity with fresh key pairs.
func GenerateIdentity() (*Identity, error) {
	// Generate Ed25519 signing key pair
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	// Generate X25519 key agreement key pair
	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	identity := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}

	identity.bid = identity.computeBID()

	return identity, nil
}

// BID returns the canonical peer id: the fixed prefix "bee:key:z6Mk"
// followed by the hex encoding of the first 16 bytes of the signing key.
func (id *Identity) BID() string {
	if id.bid == "" {
		id.bid = id.computeBID()
	}
	return id.bid
}

// PublicKeyHex returns the lowercase hex encoding of the Ed25519 public key,
// the form carried in stored-object metadata.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.SigningPublicKey)
}

// computeBID generates the canonical peer id from the Ed25519 public key.
func (id *Identity) computeBID() string {
	// Simplified peer-id format: a fixed "z6Mk" prefix and hex of the first
	// 16 signing-key bytes. It is not a multibase/multicodec encoding, and
	// the full public key cannot be recovered from it.
	return fmt.Sprintf("bee:key:z6Mk%x", id.SigningPublicKey[:16])
}

// SaveToFile saves the identity to a JSON file.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// LoadFromFile loads an identity from a JSON file.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	identity.bid = identity.computeBID()

	return &identity, nil
}
