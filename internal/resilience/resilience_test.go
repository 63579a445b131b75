package resilience

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelays(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, Base: time.Second, Factor: 2.0, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3), "delay is capped at MaxDelay")
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestRetrySendSucceedsEventually(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Factor: 1.0, MaxDelay: time.Millisecond}

	var calls int32
	ok := p.RetrySend("test", func() bool {
		return atomic.AddInt32(&calls, 1) == 3
	})
	assert.True(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetrySendExhausts(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Factor: 1.0, MaxDelay: time.Millisecond}

	var calls int32
	ok := p.RetrySend("test", func() bool {
		atomic.AddInt32(&calls, 1)
		return false
	})
	assert.False(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial try plus MaxRetries")
}

func TestRetrySendSurvivesPanic(t *testing.T) {
	p := RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Factor: 1.0, MaxDelay: time.Millisecond}

	first := true
	ok := p.RetrySend("test", func() bool {
		if first {
			first = false
			panic("boom")
		}
		return true
	})
	assert.True(t, ok, "panic counts as a failed attempt, then the retry succeeds")
}

func TestWatchdogTicksAndStops(t *testing.T) {
	var ticks int32
	w := NewWatchdog("test", 10*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
	})
	w.Start()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 2
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop() // idempotent
	final := atomic.LoadInt32(&ticks)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&ticks), final+1, "loop stops ticking after Stop")
}

func TestWatchdogStopBeforeStart(t *testing.T) {
	w := NewWatchdog("test", time.Millisecond, func() { t.Fatal("must never tick") })
	w.Stop()
	w.Start()
	time.Sleep(20 * time.Millisecond)
}

func TestWatchdogSurvivesPanickingCallback(t *testing.T) {
	var ticks int32
	w := NewWatchdog("test", 5*time.Millisecond, func() {
		atomic.AddInt32(&ticks, 1)
		panic("tick failure")
	})
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 2
	}, time.Second, 5*time.Millisecond, "loop must continue after a panic")
}

func TestSuperviseLogsPanic(t *testing.T) {
	done := Supervise("failing-task", func() { panic("boom") })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervised task never finished")
	}
}
