package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{MaxAttempts: 3, RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond, PoolSize: 4}
}

func startLocal(t *testing.T, handle ApplyHandler, periodic ...PeriodicJob) *LocalQueue {
	t.Helper()
	q, err := NewLocal(fastOptions(), handle, periodic...)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestLocalQueueRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	q := startLocal(t, func(_ context.Context, task ApplyTask, attempt int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("cluster unreachable")
		}
		return nil
	})

	require.NoError(t, q.HandOff(context.Background(), ApplyTask{IntentID: 1, RunID: 1, Action: "apply"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestLocalQueueStopsAtMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	q := startLocal(t, func(context.Context, ApplyTask, int) error {
		calls.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, q.HandOff(context.Background(), ApplyTask{RunID: 2}))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestLocalQueuePermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	q := startLocal(t, func(context.Context, ApplyTask, int) error {
		calls.Add(1)
		return Permanent(errors.New("decrypt kubeconfig"))
	})

	require.NoError(t, q.HandOff(context.Background(), ApplyTask{RunID: 3}))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLocalQueueRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	q := startLocal(t, func(_ context.Context, task ApplyTask, _ int) error {
		calls.Add(1)
		if task.RunID == 1 {
			panic("handler bug")
		}
		return nil
	})

	require.NoError(t, q.HandOff(context.Background(), ApplyTask{RunID: 1}))
	require.NoError(t, q.HandOff(context.Background(), ApplyTask{RunID: 2}))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocalQueueFullAndStopped(t *testing.T) {
	q, err := NewLocal(fastOptions(), func(context.Context, ApplyTask, int) error { return nil })
	require.NoError(t, err)

	for i := 0; i < cap(q.ch); i++ {
		require.NoError(t, q.HandOff(context.Background(), ApplyTask{RunID: uint(i)}))
	}
	assert.ErrorIs(t, q.HandOff(context.Background(), ApplyTask{}), ErrQueueFull)

	require.NoError(t, q.EnqueueApply(context.Background(), nil, ApplyTask{}))
	require.NoError(t, q.Stop(context.Background()))
	assert.Error(t, q.EnqueueApply(context.Background(), nil, ApplyTask{}))
	assert.Error(t, q.HandOff(context.Background(), ApplyTask{}))
}

func TestLocalQueuePeriodicJobs(t *testing.T) {
	var ticks atomic.Int32
	startLocal(t, func(context.Context, ApplyTask, int) error { return nil }, PeriodicJob{
		Name:     "evaluate_alerts",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			ticks.Add(1)
			return nil
		},
	})

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}
