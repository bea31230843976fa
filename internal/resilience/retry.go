package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the wait after the first failure. Default: 200ms.
	InitialDelay time.Duration

	// Factor multiplies the delay after every further failure. Default: 4,
	// which yields 200ms then 800ms with the default InitialDelay.
	Factor float64

	// MaxDelay caps a single wait. Default: 10s.
	MaxDelay time.Duration

	// ShouldRetry reports whether err is worth another attempt. Nil retries
	// every error that is not a [PermanentError].
	ShouldRetry func(error) bool

	// Sleep waits d or until ctx is done. Default: a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryResult describes how a [Retry] call ended.
type RetryResult struct {
	// Attempts is the number of times op ran.
	Attempts int

	// Err is the last error, nil on success.
	Err error

	// Duration is the wall time spent including waits.
	Duration time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.Factor <= 0 {
		c.Factor = 4
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// Retry runs op until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. Waits grow exponentially. When ctx is done no
// further attempt starts and the last op error is kept in the result.
func Retry(ctx context.Context, cfg RetryConfig, op func(attempt int) error) RetryResult {
	cfg = cfg.withDefaults()
	start := time.Now()
	res := RetryResult{}
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err := op(attempt)
		res.Err = err
		if err == nil || IsPermanent(err) {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			break
		}
		if attempt == cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		if cfg.Sleep(ctx, delay) != nil {
			break
		}
		delay = min(time.Duration(float64(delay)*cfg.Factor), cfg.MaxDelay)
	}

	res.Duration = time.Since(start)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so [Retry] stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is or wraps a [PermanentError].
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
