// Package external declares the contracts the store relies on but does not
// implement itself: the metadata/alias index and the key manager. Both are
// out of scope for this module and are described here only as the
// interfaces a caller must satisfy — concrete implementations (a SQL
// database, a file-backed key store, an HSM-backed signer) live entirely
// outside this tree.
package external

import (
	"context"
	"time"
)

// FileEntry is one row of the external metadata index: the advisory,
// human-facing record a put operation stores alongside the content-addressed
// chunks it never owns directly.
type FileEntry struct {
	Handle    string
	Name      string
	Tags      []string
	Size      uint64
	CreatedAt time.Time
}

// MetadataIndex resolves aliases to file handles and tracks the advisory
// metadata a put/list/delete operation needs, per the external metadata
// index contract.
type MetadataIndex interface {
	// ResolveAlias looks up a caller-supplied identifier that is not
	// already a 64-hex-character file handle. ok is false if no alias
	// matches.
	ResolveAlias(ctx context.Context, alias string) (handle string, ok bool, err error)

	// IsNameTaken reports whether name is already claimed by another
	// entry, enforcing alias uniqueness ahead of a put.
	IsNameTaken(ctx context.Context, name string) (bool, error)

	// GenerateUniqueName derives a free name from base when the caller
	// didn't supply one or the supplied one collides.
	GenerateUniqueName(ctx context.Context, base string) (string, error)

	// StoreFileEntry persists entry, keyed by entry.Handle.
	StoreFileEntry(ctx context.Context, entry FileEntry) error

	// ListFiles returns every entry matching tagFilter; a nil or empty
	// filter returns every entry.
	ListFiles(ctx context.Context, tagFilter []string) ([]FileEntry, error)

	// DeleteFile removes the entry for handle. Deleting an entry that
	// doesn't exist is not an error.
	DeleteFile(ctx context.Context, handle string) error
}

// KeyManager resolves the encryption key for a put and the decryption key
// for a get, per the external key manager contract. Implementations are
// expected to authenticate key material themselves: a wrong or missing key
// name MUST be distinguishable from a present-but-wrong key, since the
// store treats decrypt-time authentication failure (Crypto) and absence
// (NotFound) as separate error kinds.
type KeyManager interface {
	// EncryptionKeyFor resolves the recipient public key for a put. If
	// pkHex is empty, implementations typically return the caller's own
	// default identity key.
	EncryptionKeyFor(ctx context.Context, pkHex string) (publicKey [32]byte, publicKeyHex string, err error)

	// DecryptionKeyFor resolves the private key to use for a get. If name
	// is empty, implementations typically return the caller's own
	// default identity key.
	DecryptionKeyFor(ctx context.Context, name string) (secretKey [32]byte, err error)
}
