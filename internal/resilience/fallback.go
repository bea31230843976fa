package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// overwritten with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// AttemptTimeout bounds each entry's attempt so a hung primary fails over
	// while the caller's deadline still has room. Zero means no per-attempt
	// bound.
	AttemptTimeout time.Duration

	// OnResult, if set, is called after every attempt that reached a provider.
	OnResult func(name string, elapsed time.Duration, err error)
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
	timeout time.Duration
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider, tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.AddFallbackTimeout(name, fallback, 0)
}

// AddFallbackTimeout is AddFallback with a per-entry attempt timeout that
// overrides [FallbackConfig.AttemptTimeout] when > 0.
func (fg *FallbackGroup[T]) AddFallbackTimeout(name string, fallback T, timeout time.Duration) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if timeout <= 0 {
		timeout = fg.cfg.AttemptTimeout
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
		timeout: timeout,
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute tries fn against each entry in order until one succeeds. See
// [ExecuteWithResult].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds. Entries with an open breaker are skipped. Once ctx is done no
// further entries are tried and ctx.Err() is returned. When every entry fails
// the result wraps [ErrAllFailed] and the last error.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]
		var result R
		start := time.Now()
		err := entry.breaker.Execute(func() error {
			attemptCtx := ctx
			if entry.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, entry.timeout)
				defer cancel()
			}
			var innerErr error
			result, innerErr = fn(attemptCtx, entry.value)
			return innerErr
		})
		if err == nil {
			fg.report(entry.name, start, nil)
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			continue
		}
		fg.report(entry.name, start, err)
		slog.Warn("provider failed, trying next",
			"provider", entry.name, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) report(name string, start time.Time, err error) {
	if fg.cfg.OnResult != nil {
		fg.cfg.OnResult(name, time.Since(start), err)
	}
}
