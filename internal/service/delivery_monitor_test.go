package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sessionchat/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestDeliveryMonitor_ReportsStaleCount(t *testing.T) {
	var calls atomic.Int32
	counter := new(mockStaleCounter)
	counter.On("GetStaleMessageCount", mock.Anything, 10*time.Minute).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(3, nil)
	m := metrics.New()

	monitor := NewDeliveryMonitor(counter, 10*time.Millisecond, 10*time.Minute, m, testLogger())
	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return calls.Load() > 0
	}, time.Second, 5*time.Millisecond)
	monitor.Stop()
	<-done

	assert.Contains(t, scrape(t, m), "sessionchat_stale_deliveries 3")
}

func TestDeliveryMonitor_CounterErrorKeepsRunning(t *testing.T) {
	var calls atomic.Int32
	counter := new(mockStaleCounter)
	counter.On("GetStaleMessageCount", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(0, assert.AnError)

	monitor := NewDeliveryMonitor(counter, 10*time.Millisecond, time.Minute, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}

func TestDeliveryMonitor_WithPipeline(t *testing.T) {
	h := newHarness(peerID)
	p := NewDeliveryPipeline(deliveryConfig(), nil, h.deps)
	ctx := context.Background()

	_, err := p.Send(ctx, newMessage("m1", "hi"))
	assert.NoError(t, err)
	assert.NoError(t, p.OnAcknowledged(ctx, "m1"))
	h.clock.Advance(11 * time.Minute)

	m := metrics.New()
	monitor := NewDeliveryMonitor(p, time.Hour, 10*time.Minute, m, testLogger())
	monitor.checkStaleMessages(ctx)

	assert.Contains(t, scrape(t, m), "sessionchat_stale_deliveries 1")
}
