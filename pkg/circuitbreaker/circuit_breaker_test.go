package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualNow struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualNow) Add(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

type transition struct{ from, to State }

func newTestBreaker(threshold uint32, cooldown time.Duration, opts ...Option) (*CircuitBreaker, *manualNow, *[]transition) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	clk := &manualNow{t: time.Unix(1700000000, 0)}
	var seen []transition
	opts = append([]Option{
		WithLogger(logger),
		WithNow(clk.Now),
		WithOnStateChange(func(_ string, from, to State) { seen = append(seen, transition{from, to}) }),
	}, opts...)
	return New("gateway", threshold, cooldown, opts...), clk, &seen
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, seen := newTestBreaker(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *seen)

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 30*time.Second, rej.RetryIn)
	assert.Contains(t, rej.Error(), "retry in 30s")
}

func TestCircuitBreaker_SuccessClearsStreak(t *testing.T) {
	cb, _, _ := newTestBreaker(2, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, uint32(1), cb.GetStats().Streak)
}

func TestCircuitBreaker_ProbeCloses(t *testing.T) {
	cb, clk, seen := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *seen)
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clk, _ := newTestBreaker(1, 10*time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, clk.Now(), cb.GetStats().OpenedAt)
}

func TestCircuitBreaker_MultipleProbes(t *testing.T) {
	cb, clk, _ := newTestBreaker(1, time.Second, WithProbes(2))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_OneProbeInFlight(t *testing.T) {
	cb, clk, _ := newTestBreaker(1, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, succeed)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, StateHalfOpen, rej.State)
	assert.Zero(t, rej.RetryIn)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CancellationIsNeutral(t *testing.T) {
	cb, clk, _ := newTestBreaker(1, time.Second)
	ctx := context.Background()
	cancelled := func(context.Context) error { return fmt.Errorf("write: %w", context.Canceled) }

	assert.ErrorIs(t, cb.Execute(ctx, cancelled), context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())

	// A cancelled probe frees the slot without closing or reopening.
	_ = cb.Execute(ctx, fail)
	clk.Add(time.Second)
	_ = cb.Execute(ctx, cancelled)
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)

	stats := cb.GetStats()
	assert.Equal(t, "gateway", stats.Name)
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, uint64(2), stats.Calls)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestNew_ZeroThresholdOpensOnFirstFailure(t *testing.T) {
	cb, _, _ := newTestBreaker(0, time.Second)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.GetState())
}
