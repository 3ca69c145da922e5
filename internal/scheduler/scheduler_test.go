package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/timex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTask(t *testing.T, clock *timex.ManualClock, task Task) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := New(clock, logging.NewDiscardLogger())
	go func() { done <- s.Run(ctx, task) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestRun_TicksDriveTask(t *testing.T) {
	clock := timex.NewManualClock(time.Unix(0, 0))
	var runs atomic.Int32

	stop := startTask(t, clock, Task{
		Name:     "count",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	defer stop()

	assert.Equal(t, int32(0), runs.Load())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestRun_ErrorsAndPanicsDoNotStopTheLoop(t *testing.T) {
	clock := timex.NewManualClock(time.Unix(0, 0))
	var runs atomic.Int32

	stop := startTask(t, clock, Task{
		Name:     "flaky",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			switch runs.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("kaboom")
			}
			return nil
		},
	})
	defer stop()

	for i := int32(1); i <= 3; i++ {
		clock.Advance(time.Second)
		want := i
		require.Eventually(t, func() bool { return runs.Load() == want }, time.Second, time.Millisecond)
	}
}

func TestRun_TriggerAndRunAtStart(t *testing.T) {
	clock := timex.NewManualClock(time.Unix(0, 0))
	trigger := make(chan struct{})
	var runs atomic.Int32

	stop := startTask(t, clock, Task{
		Name:       "triggered",
		Interval:   time.Hour,
		RunAtStart: true,
		Trigger:    trigger,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	defer stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	trigger <- struct{}{}
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestRun_RejectsZeroInterval(t *testing.T) {
	s := New(timex.SystemClock{}, logging.NewDiscardLogger())
	err := s.Run(context.Background(), Task{Name: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}
