package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/aq-notify/internal/errs"
)

// recordSleeps returns a policy copy that records delays instead of sleeping
func recordSleeps(p Policy, into *[]time.Duration) Policy {
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*into = append(*into, d)
		return ctx.Err()
	}
	return p
}

func TestBackoff_LinearEscalation(t *testing.T) {
	p := Default(zerolog.Nop())
	assert.Equal(t, time.Duration(0), p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 12*time.Second, p.Backoff(3))
	assert.Equal(t, 22*time.Second, p.Backoff(4))
}

func TestBackoff_ExponentialCapped(t *testing.T) {
	p := Policy{Delay: time.Second, Factor: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))
	assert.Equal(t, 4*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(5))
	assert.Equal(t, 5*time.Second, p.Backoff(40))
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	var sleeps []time.Duration
	p := recordSleeps(Default(zerolog.Nop()), &sleeps)

	calls := 0
	err := p.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.Transient("fetch", errors.New("timeout"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 12 * time.Second}, sleeps)
}

func TestDo_Exhausted(t *testing.T) {
	var sleeps []time.Duration
	p := recordSleeps(Default(zerolog.Nop()), &sleeps)
	base := errors.New("503")

	calls := 0
	err := p.Do(context.Background(), "send", func(context.Context) error {
		calls++
		return errs.Transient("send", base)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeps, 2)
}

func TestDo_PermanentErrorStops(t *testing.T) {
	var sleeps []time.Duration
	p := recordSleeps(Default(zerolog.Nop()), &sleeps)
	permanent := errs.Configuration("send", errors.New("bad credentials"))

	calls := 0
	err := p.Do(context.Background(), "send", func(context.Context) error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestDo_CustomPredicate(t *testing.T) {
	var sleeps []time.Duration
	p := recordSleeps(Policy{MaxAttempts: 2, Retryable: func(error) bool { return true }}, &sleeps)

	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("anything")
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Delay: time.Hour}

	calls := 0
	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(ctx, "fetch", func(context.Context) error {
			calls++
			return errs.Transient("fetch", errors.New("reset"))
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoValue(t *testing.T) {
	p := Policy{MaxAttempts: 1}
	v, err := DoValue(context.Background(), p, "answer", func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
