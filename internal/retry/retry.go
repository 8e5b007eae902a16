// Package retry retries remote operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/fruitsalade/assetpipe/internal/logging"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // 0 retries until ctx ends
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the wait, 0-1
}

// DefaultConfig suits uploads to object storage.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// transient marks an error worth another attempt.
type transient struct {
	err error
}

func (e transient) Error() string { return e.err.Error() }
func (e transient) Unwrap() error { return e.err }

// Transient marks err as worth retrying. Errors not marked fail immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Do runs fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx ends. op names the operation in logs.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult is Do for operations returning a value.
func DoWithResult[T any](ctx context.Context, cfg Config, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn(ctx)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		wait := cfg.backoff(attempt)
		logging.Debug("retrying operation",
			logging.String("op", op),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// backoff returns the wait after the given failed attempt.
func (c Config) backoff(attempt int) time.Duration {
	wait := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}
