package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackoff_Clamps(t *testing.T) {
	tests := []struct {
		name string
		in   BackoffConfig
		want BackoffConfig
	}{
		{"zero value", BackoffConfig{}, BackoffConfig{Multiplier: 2, MaxAttempts: 1}},
		{"shrinking multiplier", BackoffConfig{Multiplier: 0.5, MaxAttempts: 3}, BackoffConfig{Multiplier: 1, MaxAttempts: 3}},
		{"jitter bounds", BackoffConfig{Multiplier: 3, MaxAttempts: 2, Jitter: 4}, BackoffConfig{Multiplier: 3, MaxAttempts: 2, Jitter: 1}},
		{"negative jitter", BackoffConfig{Multiplier: 2, MaxAttempts: 2, Jitter: -1}, BackoffConfig{Multiplier: 2, MaxAttempts: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewBackoff(tt.in).cfg)
		})
	}
}

func TestBackoff_SuccessFirstAttempt(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoff_ExhaustsAttempts(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
	})

	want := errors.New("still broken")
	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return want
	})

	assert.Equal(t, want, err)
	assert.Equal(t, 4, attempts)
}

func TestBackoff_NonRetryableStopsImmediately(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 5})

	fatal := errors.New("fatal")
	attempts := 0
	err := backoff.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return err != fatal })

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoff_ContextCancellation(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		MaxAttempts:  3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := backoff.Retry(ctx, func() error { return errors.New("nope") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoff_BaseDelayDoubles(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  6,
		Jitter:       0.2,
	})

	assert.Equal(t, 2*time.Second, backoff.BaseDelay(1))
	assert.Equal(t, 4*time.Second, backoff.BaseDelay(2))
	assert.Equal(t, 8*time.Second, backoff.BaseDelay(3))
	assert.Equal(t, 30*time.Second, backoff.BaseDelay(10))
	assert.Equal(t, 30*time.Second, backoff.BaseDelay(5000))
	assert.Equal(t, 2*time.Second, backoff.BaseDelay(0))
}

func TestBackoff_UncappedOverflow(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Second, Multiplier: 10})
	assert.Equal(t, time.Duration(math.MaxInt64), backoff.BaseDelay(400))
}

func TestUnitFloat_Range(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := unitFloat()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       0.2,
	})

	for i := 0; i < 200; i++ {
		d := backoff.Delay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestBackoff_JitterExtremes(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 3, Jitter: 0.2})

	backoff.random = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, backoff.Delay(1))

	backoff.random = func() float64 { return 1 }
	assert.Equal(t, 1200*time.Millisecond, backoff.Delay(1))
}
