package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewFake(start)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	c.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StopPreventsCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0

	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, count)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, c.Durations())
}

func TestStop_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() { Stop(nil) })
}

func TestRealClock_AfterFunc(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real clock callback did not fire")
	}
}
