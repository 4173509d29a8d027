package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRecurringRunsOnEveryTick(t *testing.T) {
	s := New(100)
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	require.NoError(t, s.ScheduleRecurring(ctx, "tick", func(context.Context) error {
		n.Add(1)
		return nil
	}, 10*time.Millisecond))

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()

	for _, inv := range s.History(0) {
		assert.Equal(t, TriggerScheduled, inv.Trigger)
		assert.Equal(t, OutcomeOK, inv.Outcome)
	}
}

func TestOverrunningTickIsSkippedNotQueued(t *testing.T) {
	s := New(100)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var concurrent, peak, runs atomic.Int32
	require.NoError(t, s.ScheduleRecurring(ctx, "slow", func(context.Context) error {
		c := concurrent.Add(1)
		defer concurrent.Add(-1)
		if c > peak.Load() {
			peak.Store(c)
		}
		runs.Add(1)
		<-release
		return nil
	}, 5*time.Millisecond))

	require.Eventually(t, func() bool {
		for _, inv := range s.History(0) {
			if inv.Outcome == OutcomeSkipped {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "ticks during a run must not start another")

	close(release)
	cancel()
	s.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestRunNowWhileRunningIsRejected(t *testing.T) {
	s := New(10)
	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("backup", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "backup")
		done <- err
	}()
	<-started
	assert.True(t, s.Running("backup"))

	inv, err := s.RunNow(context.Background(), "backup")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, OutcomeSkipped, inv.Outcome)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Running("backup"))
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := New(10)
	s.Register("ok", func(context.Context) error { return nil })
	s.Register("bad", func(context.Context) error { return errors.New("disk full") })
	s.Register("boom", func(context.Context) error { panic("nil map") })
	s.Register("noop", func(context.Context) error { return ErrSkip })

	inv, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, inv.Outcome)
	assert.Equal(t, TriggerManual, inv.Trigger)
	assert.False(t, inv.FinishedAt.Before(inv.StartedAt))

	inv, err = s.RunNow(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, inv.Outcome)
	assert.Equal(t, "disk full", inv.Error)

	inv, err = s.RunNow(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, inv.Error, "panicked")

	inv, err = s.RunNow(context.Background(), "noop")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, inv.Outcome)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)

	hist := s.History(0)
	require.Len(t, hist, 4)
	assert.Equal(t, "noop", hist[0].Task)
	assert.Equal(t, []string{"bad", "boom", "noop", "ok"}, s.Tasks())
}

func TestHistoryIsCapped(t *testing.T) {
	s := New(3)
	s.Register("t", func(context.Context) error { return nil })
	for i := 0; i < 5; i++ {
		_, _ = s.RunNow(context.Background(), "t")
	}
	assert.Len(t, s.History(0), 3)
	assert.Len(t, s.History(2), 2)
}

func TestScheduleRejectsBadInterval(t *testing.T) {
	s := New(3)
	err := s.ScheduleRecurring(context.Background(), "t", func(context.Context) error { return nil }, 0)
	assert.Error(t, err)
}
