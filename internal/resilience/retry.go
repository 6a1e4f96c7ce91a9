// Package resilience supplies the retry and circuit-breaker plumbing
// shared by the outbound API clients.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig shapes the attempt loop run by Do and DoVal. The zero
// value works; unset fields fall back to the defaults noted per field.
type RetryConfig struct {
	// MaxAttempts counts every call including the first, so 1 disables
	// retries. Defaults to 3.
	MaxAttempts int

	// InitialBackoff is the sleep before the first retry. Defaults to
	// 500ms.
	InitialBackoff time.Duration

	// MaxBackoff bounds every sleep, server-directed waits included.
	// Defaults to 30s.
	MaxBackoff time.Duration

	// Multiplier grows the sleep between consecutive retries. Defaults
	// to 2.
	Multiplier float64

	// JitterFraction spreads each sleep by up to the given fraction in
	// either direction. Zero keeps sleeps deterministic;
	// DefaultRetryConfig uses 0.25.
	JitterFraction float64

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs just before each sleep with the 1-based number of
	// the attempt that failed and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is tuned for interactive API calls: three
// attempts, half-second initial backoff, jittered doubling capped at
// thirty seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// Do runs fn until it succeeds, the attempts run out, or the error is
// one retrying cannot help. Errors carrying a server-directed wait
// (throttling, replication lag) sleep for that wait instead of the
// computed backoff. A cancelled context ends the loop with the last
// error fn returned.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value. Failure hands back the
// zero value alongside the final error.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if !sleepFor(ctx, cfg.delayBefore(attempt, err)) {
			return zero, err
		}
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// delayBefore computes the sleep after the given failed attempt. A
// server-directed wait wins over the exponential schedule; both are
// bounded by MaxBackoff.
func (cfg RetryConfig) delayBefore(attempt int, err error) time.Duration {
	if hint := RetryAfterHint(err); hint > 0 {
		return min(hint, cfg.MaxBackoff)
	}
	d := float64(cfg.InitialBackoff)
	for i := 1; i < attempt && d < float64(cfg.MaxBackoff); i++ {
		d *= cfg.Multiplier
	}
	if cfg.JitterFraction > 0 {
		d += d * cfg.JitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(max(0, min(d, float64(cfg.MaxBackoff))))
}

// sleepFor blocks for d or until ctx is cancelled, reporting whether
// the full sleep elapsed.
func sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryLogger builds an OnRetry callback that records each retry on
// the global logger, tagged with the calling service and operation.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying after transient failure",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
