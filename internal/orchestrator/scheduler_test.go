package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsTaskOnInterval(t *testing.T) {
	var runs atomic.Int32
	task := &Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerNoOverlappingInvocations(t *testing.T) {
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	task := &Task{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestSchedulerStopCancelsTasks(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	done := make(chan struct{})
	task := &Task{
		Name:     "blocking",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			close(done)
			return ctx.Err()
		},
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	<-started
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}
	assert.False(t, s.Running())
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	task := &Task{
		Name:     "once",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerResetRestartsTasks(t *testing.T) {
	var runs atomic.Int32
	task := &Task{
		Name:     "restartable",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Reset(context.Background())
	defer s.Stop()

	// Each start fires the task once up front.
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Running())
}

func TestSchedulerTaskInfo(t *testing.T) {
	task := &Task{
		Name:     "info",
		Interval: time.Minute,
		Run:      func(context.Context) error { return nil },
	}
	s := NewScheduler(time.Second, task)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		infos := s.Tasks()
		return len(infos) == 1 && !infos[0].LastRun.IsZero()
	}, time.Second, 5*time.Millisecond)

	info := s.Tasks()[0]
	assert.Equal(t, "info", info.Name)
	assert.Equal(t, time.Minute, info.Interval)
	assert.False(t, info.NextRun.IsZero())
}
