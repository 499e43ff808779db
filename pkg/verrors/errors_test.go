package verrors

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := NewNotFoundError("abcd1234")
	if err.Error() == "" {
		t.Error("expected non-empty error string")
	}
	if err.Kind != NotFound {
		t.Errorf("expected kind %s, got %s", NotFound, err.Kind)
	}
	if !err.IsRetryable() {
		t.Error("not-found errors should be retryable against other peers")
	}
}

func TestIntegrityErrorNotRetryable(t *testing.T) {
	err := NewIntegrityError("shard hash mismatch", "deadbeef", nil)
	if err.IsRetryable() {
		t.Error("integrity errors should not be retryable against the same peer")
	}
}

func TestIsAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewNetworkError("failed to dial peer", "peer-1", cause)

	if !Is(err, Network) {
		t.Error("expected Is(err, Network) to be true")
	}
	if Is(err, Crypto) {
		t.Error("expected Is(err, Crypto) to be false")
	}
	if !errors.Is(err, cause) && errors.Unwrap(err) != cause {
		t.Error("expected Unwrap to return the original cause")
	}
	if !IsRetryable(err) {
		t.Error("expected network error to be retryable")
	}
}

func TestKeyManagementError(t *testing.T) {
	err := NewKeyManagementError("key unwrap failed", errors.New("bad tag"))
	if err.Kind != KeyManagement {
		t.Errorf("expected kind %s, got %s", KeyManagement, err.Kind)
	}
	if err.IsRetryable() {
		t.Error("key management errors should not be retryable")
	}
}
