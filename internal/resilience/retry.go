package resilience

import (
	"context"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
)

// RetryConfig controls the exponential backoff schedule used by Do.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the package defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   constants.DefaultRetryMaxAttempts,
		InitialDelay:  constants.DefaultRetryInitialDelay,
		MaxDelay:      constants.DefaultRetryMaxDelay,
		BackoffFactor: constants.DefaultRetryBackoffFactor,
	}
}

// Do calls fn up to cfg.MaxAttempts times, sleeping between attempts with
// exponential backoff capped at cfg.MaxDelay. It returns as soon as fn
// succeeds, or the last error if every attempt failed. It stops early if
// ctx is cancelled.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}
