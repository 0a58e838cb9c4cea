// Package retry runs an operation until it succeeds, fails permanently or
// runs out of attempts, sleeping an escalating delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/errs"
)

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how an operation is retried. The delay before attempt n
// (1-based, n > 1) is (Delay + Escalation*(n-2)) * Factor^(n-2), capped at
// MaxDelay when set.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Escalation  time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt.
	// nil retries only transient errors.
	Retryable func(error) bool

	Logger zerolog.Logger

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// Default mirrors the notifier's historic behaviour: three attempts, two
// seconds, then ten more seconds per attempt.
func Default(logger zerolog.Logger) Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Escalation:  10 * time.Second,
		Factor:      1,
		Logger:      logger,
	}
}

// Backoff returns the delay before the given attempt (1-based)
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	n := attempt - 2
	d := p.Delay + time.Duration(n)*p.Escalation
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * factor)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn until it returns nil. op names the operation in logs and errors.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errs.IsTransient
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		p.Logger.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Attempt failed")
	}

	p.Logger.Error().
		Err(lastErr).
		Str("op", op).
		Int("max_attempts", attempts).
		Msg("Max attempts reached")
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempts, lastErr)
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
