package resilience

import (
	"context"
	"time"

	"github.com/meshvault/meshvault/pkg/verrors"
)

// WithTimeout runs fn with a derived context that is cancelled after d
// elapses, translating a context deadline into a retryable Network error so
// callers don't need to special-case context.DeadlineExceeded.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return verrors.NewNetworkError("operation timed out", "", ctx.Err())
	}
}
