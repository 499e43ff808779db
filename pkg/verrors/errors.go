// Package verrors defines the application-level error taxonomy returned by
// the storage engine's public operations. Every error carries a Kind drawn
// from a fixed set so callers can branch on category without parsing
// strings.
package verrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an Error into one of the categories the storage engine
// exposes to callers.
type Kind string

const (
	Crypto        Kind = "CRYPTO"
	Encoding      Kind = "ENCODING"
	Network       Kind = "NETWORK"
	NotFound      Kind = "NOT_FOUND"
	Integrity     Kind = "INTEGRITY"
	Io            Kind = "IO"
	Quota         Kind = "QUOTA"
	NameTaken     Kind = "NAME_TAKEN"
	KeyManagement Kind = "KEY_MANAGEMENT"
	Config        Kind = "CONFIG"
)

// Error is the concrete error type returned by storage-engine operations.
type Error struct {
	Kind       Kind          `json:"kind"`
	Message    string        `json:"message"`
	Key        string        `json:"key,omitempty"`  // content-address hex, when relevant
	Peer       string        `json:"peer,omitempty"` // peer id involved, when relevant
	Timestamp  time.Time     `json:"timestamp"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // set on some Quota errors
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key: %s)", e.Kind, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced this error is
// worth retrying as-is.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func newErr(kind Kind, message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryable,
		Cause:     cause,
	}
}

// NewCryptoError wraps a key-agreement, encryption, or signature failure.
func NewCryptoError(message string, cause error) *Error {
	return newErr(Crypto, message, false, cause)
}

// NewEncodingError wraps a canonical-CBOR or shard encoding failure.
func NewEncodingError(message string, cause error) *Error {
	return newErr(Encoding, message, false, cause)
}

// NewNetworkError wraps a transport or peer-communication failure. Network
// errors are retryable by default since they are frequently transient.
func NewNetworkError(message string, peer string, cause error) *Error {
	e := newErr(Network, message, true, cause)
	e.Peer = peer
	return e
}

// NewNotFoundError reports that no record or no peer holds the given key.
func NewNotFoundError(key string) *Error {
	e := newErr(NotFound, "no record found", true, nil)
	e.Key = key
	return e
}

// NewIntegrityError reports a hash or shard-verification mismatch.
// Integrity failures are never retried against the same peer.
func NewIntegrityError(message string, key string, cause error) *Error {
	e := newErr(Integrity, message, false, cause)
	e.Key = key
	return e
}

// NewIoError wraps a local filesystem or persistent-store failure.
func NewIoError(message string, cause error) *Error {
	return newErr(Io, message, false, cause)
}

// NewQuotaError reports that an admission-control or storage quota was
// exceeded.
func NewQuotaError(message string) *Error {
	return newErr(Quota, message, true, nil)
}

// WithRetryAfter attaches a retry-after hint to a Quota error, e.g. the time
// remaining until a rate-limit or bandwidth window resets.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// NewNameTakenError reports a naming or claim collision.
func NewNameTakenError(message string) *Error {
	return newErr(NameTaken, message, false, nil)
}

// NewKeyManagementError wraps a failure from the external key manager
// contract (key wrap/unwrap, key rotation).
func NewKeyManagementError(message string, cause error) *Error {
	return newErr(KeyManagement, message, false, cause)
}

// NewConfigError wraps an invalid or missing configuration value.
func NewConfigError(message string, cause error) *Error {
	return newErr(Config, message, false, cause)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a *Error flagged as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
