// Package crypto implements the single-recipient authenticated encryption
// scheme used to seal a stored object's plaintext under a recipient's
// X25519 public key. It composes X25519 key agreement, HKDF key derivation
// over BLAKE3-256, and ChaCha20-Poly1305 AEAD — the same primitive family the
// overlay's Noise IK session handshake uses, applied here to a one-shot,
// non-interactive envelope instead of a live session.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/meshvault/meshvault/pkg/verrors"
)

const (
	hkdfInfo = "meshvault-object-seal-v1"
	nonceLen = chacha20poly1305.NonceSize
)

// Seal encrypts plaintext for the recipient's X25519 public key, returning
// an opaque envelope: ephemeral public key || nonce || ciphertext||tag.
// The envelope is self-contained; no out-of-band key material besides the
// recipient's static public key is required to open it.
func Seal(recipientPublicKey [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv, ephPub [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, verrors.NewCryptoError("failed to generate ephemeral key", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	shared, err := curve25519.X25519(ephPriv[:], recipientPublicKey[:])
	if err != nil {
		return nil, verrors.NewCryptoError("key agreement failed", err)
	}

	aead, key, err := deriveAEAD(shared, ephPub[:], recipientPublicKey[:])
	if err != nil {
		return nil, err
	}
	defer zero(key)

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, verrors.NewCryptoError("failed to generate nonce", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, ephPub[:])

	envelope := make([]byte, 0, len(ephPub)+len(nonce)+len(ciphertext))
	envelope = append(envelope, ephPub[:]...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)

	return envelope, nil
}

// Open decrypts an envelope produced by Seal using the recipient's X25519
// private key.
func Open(recipientPrivateKey [32]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < 32+nonceLen {
		return nil, verrors.NewCryptoError("envelope too short", nil)
	}

	ephPub := envelope[:32]
	nonce := envelope[32 : 32+nonceLen]
	ciphertext := envelope[32+nonceLen:]

	shared, err := curve25519.X25519(recipientPrivateKey[:], ephPub)
	if err != nil {
		return nil, verrors.NewCryptoError("key agreement failed", err)
	}

	var recipientPub [32]byte
	curve25519.ScalarBaseMult(&recipientPub, &recipientPrivateKey)

	aead, key, err := deriveAEAD(shared, ephPub, recipientPub[:])
	if err != nil {
		return nil, err
	}
	defer zero(key)

	plaintext, err := aead.Open(nil, nonce, ciphertext, ephPub)
	if err != nil {
		return nil, verrors.NewCryptoError("envelope authentication failed", err)
	}

	return plaintext, nil
}

// deriveAEAD derives a ChaCha20-Poly1305 AEAD from an X25519 shared secret,
// binding both the ephemeral and recipient public keys into the HKDF salt
// so a given shared secret can never be reused across a different pairing.
func deriveAEAD(shared, ephPub, recipientPub []byte) (cipher.AEAD, []byte, error) {
	salt := append(append([]byte{}, ephPub...), recipientPub...)
	newHash := func() hash.Hash { return blake3.New(32, nil) }
	reader := hkdf.New(newHash, shared, salt, []byte(hkdfInfo))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, nil, verrors.NewCryptoError("key derivation failed", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, verrors.NewCryptoError("failed to construct AEAD", err)
	}
	return aead, key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
