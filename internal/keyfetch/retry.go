package keyfetch

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls retries of a failed fetch.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JitterFactor adds up to this fraction of the backoff at random.
	JitterFactor float64
}

// DefaultRetryConfig returns the retry settings used for JWKS endpoints.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterFactor:   0.25,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return &permanentError{err: err}
}

// withRetry runs fn until it succeeds, returns a permanent error, the
// retries are exhausted or ctx is done. The returned error is unwrapped
// from its permanent marker.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	var err error
	for attempt := 0; attempt <= max(cfg.MaxRetries, 0); attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn()
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff(attempt, cfg)
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func backoff(attempt int, cfg RetryConfig) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if cfg.JitterFactor > 0 {
		//nolint:gosec // jitter does not need a cryptographic source
		d += d * cfg.JitterFactor * rand.Float64()
	}
	if cfg.MaxBackoff > 0 && d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	return time.Duration(d)
}
