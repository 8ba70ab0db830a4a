package store

import (
	"context"
	"errors"
	"time"
)

// ErrTransient wraps a state-store failure that exhausted its retry budget.
// Callers should surface it to their own caller rather than retry further;
// the supervisor is expected to restart the process per spec §7.
var ErrTransient = errors.New("store: transient failure, retries exhausted")

// RetryConfig controls the exponential backoff applied to transient
// connection/timeout errors. Defaults mirror spec §4.1: base 1s, factor 2,
// max 5 attempts.
type RetryConfig struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultRetryConfig is the spec-mandated backoff schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   1 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}
}

// WithRetry runs fn, retrying on error with exponential backoff up to
// cfg.MaxAttempts. If fn still fails after the last attempt, the last error
// is wrapped in ErrTransient. A nil error or a ctx cancellation stops early.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
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
		delay = time.Duration(float64(delay) * cfg.Factor)
	}
	return errors.Join(ErrTransient, lastErr)
}
