// ABOUTME: Tests for the bounded retry runner
// ABOUTME: Covers success, exhaustion, permanent errors, per-attempt timeouts and the breaker

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy() Policy {
	return Policy{Attempts: 3, Timeout: 50 * time.Millisecond}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	r := New("test", fastPolicy(), nil)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	r := New("test", fastPolicy(), nil)

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDo_Permanent(t *testing.T) {
	r := New("test", fastPolicy(), nil)
	errBad := errors.New("bad request")

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errBad)
	})

	assert.Equal(t, errBad, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	policy := fastPolicy()
	policy.Attempts = 2
	policy.Timeout = 10 * time.Millisecond
	r := New("test", policy, nil)

	start := time.Now()
	err := r.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_Backoff(t *testing.T) {
	policy := Policy{Attempts: 4, Backoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond}
	r := New("test", policy, nil)

	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_ = r.Do(context.Background(), func(ctx context.Context) error { return errFlaky })

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, delays)
}

func TestDo_ContextCanceled(t *testing.T) {
	r := New("test", Policy{Attempts: 5, Backoff: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDo_BreakerOpens(t *testing.T) {
	policy := Policy{Attempts: 1, BreakerFailures: 2, BreakerCooldown: time.Hour}
	r := New("breaker", policy, nil)
	ctx := context.Background()

	fail := func(ctx context.Context) error { return errFlaky }
	_ = r.Do(ctx, fail)
	_ = r.Do(ctx, fail)

	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, calls, "open breaker must not run the operation")
}

func TestDo_PermanentDoesNotTripBreaker(t *testing.T) {
	policy := Policy{Attempts: 1, BreakerFailures: 1, BreakerCooldown: time.Hour}
	r := New("breaker", policy, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = r.Do(ctx, func(ctx context.Context) error { return Permanent(errFlaky) })
	}

	err := r.Do(ctx, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
