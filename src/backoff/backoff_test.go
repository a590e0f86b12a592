package backoff

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigBase(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{2000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Base(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConfigDelayWithinJitterBand(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 400 * time.Millisecond, 600 * time.Millisecond},
		{3, 3200 * time.Millisecond, 4800 * time.Millisecond},
		{6, 24 * time.Second, 36 * time.Second},
	}
	for _, tt := range tests {
		for _, r := range []float64{0, 0.1, 0.5, 0.9, 0.999999} {
			d := cfg.Delay(tt.attempt, r)
			assert.GreaterOrEqual(t, d, tt.min)
			assert.LessOrEqual(t, d, tt.max)
			assert.Equal(t, d, d.Round(time.Millisecond))
		}
	}
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(0, 0))
	assert.Equal(t, 500*time.Millisecond, cfg.Delay(0, 0.5))
}

func TestConfigDelayFlooredAtZero(t *testing.T) {
	cfg := Config{Initial: time.Second, Multiplier: 2, Max: time.Minute, JitterRatio: 1}
	assert.Equal(t, time.Duration(0), cfg.Delay(0, 0))
}

func newTestScheduler(clock clockwork.Clock) *Scheduler {
	return NewScheduler(DefaultConfig(), WithClock(clock), WithRand(func() float64 { return 0.5 }))
}

func TestSchedulerScheduleIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	var calls atomic.Int32
	fn := func() error { calls.Add(1); return nil }

	assert.True(t, s.Schedule(fn))
	assert.False(t, s.Schedule(fn))
	assert.True(t, s.Pending())

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 && !s.Running() }, time.Second, time.Millisecond)
	assert.False(t, s.Pending())
	assert.Equal(t, 0, s.Attempts())
}

func TestSchedulerNoopWhileRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	release := make(chan struct{})
	started := make(chan struct{})
	s.Schedule(func() error {
		close(started)
		<-release
		return nil
	})
	clock.Advance(time.Second)
	<-started

	assert.False(t, s.Schedule(func() error { return nil }))
	close(release)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
}

func TestSchedulerRetriesUntilSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	var calls atomic.Int32
	fn := func() error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}
	s.Schedule(fn)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return s.Attempts() == 1 && s.Pending() }, time.Second, time.Millisecond)

	// second attempt waits the doubled base
	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return s.Attempts() == 2 && s.Pending() }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 3 && !s.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.Attempts())
	assert.False(t, s.Pending())
}

func TestSchedulerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	var calls atomic.Int32
	s.Schedule(func() error { calls.Add(1); return nil })
	assert.True(t, s.Cancel())
	assert.False(t, s.Cancel())

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	// can be scheduled again after cancel
	assert.True(t, s.Schedule(func() error { return nil }))
}

func TestSchedulerStopPreventsReschedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	s.Schedule(func() error {
		close(started)
		<-release
		return errors.New("boom")
	})
	clock.Advance(time.Second)
	<-started
	s.Stop()
	close(release)

	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.False(t, s.Pending())
	assert.Equal(t, 1, s.Attempts())
	assert.False(t, s.Schedule(func() error { return nil }))
}

func TestSchedulerScheduleAfterRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	s.Schedule(func() error {
		close(started)
		<-release
		return nil
	})
	clock.Advance(time.Second)
	<-started

	var calls atomic.Int32
	assert.False(t, s.Schedule(func() error { return nil }))
	assert.False(t, s.ScheduleAfterRun(func() error { calls.Add(1); return nil }))
	assert.False(t, s.Pending())

	close(release)
	require.Eventually(t, func() bool { return !s.Running() && s.Pending() }, time.Second, time.Millisecond)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 && !s.Running() }, time.Second, time.Millisecond)
	assert.False(t, s.Pending())
}

func TestSchedulerScheduleAfterRunYieldsToRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestScheduler(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	var failing atomic.Int32
	s.Schedule(func() error {
		if failing.Add(1) == 1 {
			close(started)
			<-release
		}
		return errors.New("boom")
	})
	clock.Advance(time.Second)
	<-started

	var deferred atomic.Int32
	s.ScheduleAfterRun(func() error { deferred.Add(1); return nil })
	close(release)
	require.Eventually(t, func() bool { return s.Attempts() == 1 && s.Pending() }, time.Second, time.Millisecond)

	// the failed fn re-armed itself; the deferred request is dropped
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return failing.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), deferred.Load())
	s.Stop()
}
