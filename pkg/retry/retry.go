// Package retry provides bounded retry loops for operations that fail
// transiently, such as unloading a kernel module that still holds a
// reference from a just-stopped service.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/nvsleepify/nvsleepify/pkg/clock"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the
	// initial one. It must be at least 1.
	MaxAttempts int

	// Delay is the pause between attempts.
	Delay time.Duration

	// Multiplier scales the delay after each attempt. Zero or one means
	// a fixed delay.
	Multiplier float64

	// MaxDelay caps the delay when Multiplier is in effect.
	MaxDelay time.Duration

	// RetryableFunc determines whether an error should trigger another
	// attempt. If nil, all non-nil errors are retryable.
	RetryableFunc func(error) bool

	// Clock is the clock used for delays. If nil, real time is used.
	Clock clock.Clock
}

// DefaultConfig returns a reasonable general-purpose configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		Delay:       time.Second,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
	}
}

// Do executes fn until it succeeds, the attempts are exhausted, a
// non-retryable error occurs, or the context is cancelled. It returns
// the last error observed.
func (cfg Config) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	delay := cfg.Delay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return join(err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.RetryableFunc != nil && !cfg.RetryableFunc(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return join(ctx.Err(), lastErr)
		case <-clk.After(delay):
		}

		if cfg.Multiplier > 1 {
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return lastErr
}

func join(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return errors.Join(ctxErr, lastErr)
}
