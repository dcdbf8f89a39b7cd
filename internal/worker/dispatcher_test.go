package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
)

func newWorkerRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRegistryWithClient(client, 30*time.Second, models.QueueOrders, models.QueueProducts)
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = d.Close(time.Second)
	})
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed while waiting")
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestDispatcherRoutesToHandler(t *testing.T) {
	ctx := context.Background()
	reg := newWorkerRegistry(t)
	d := NewDispatcher(models.QueueOrders, reg, 2, 10*time.Millisecond, zap.NewNop())

	var seen atomic.Int32
	d.Register(models.TypeProcessOrder, func(ctx context.Context, job models.Job) (any, error) {
		seen.Add(1)
		return map[string]any{"handled": job.Payload["n"]}, nil
	})
	startDispatcher(t, d)

	job, err := reg.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, map[string]any{"n": "1"}, queue.Options{})
	require.NoError(t, err)

	ev := waitEvent(t, d.Events(), EventCompleted)
	require.Equal(t, job.ID, ev.JobID)
	require.Equal(t, models.TypeProcessOrder, ev.JobType)
	require.EqualValues(t, 1, seen.Load())

	stats, err := reg.Stats(ctx, models.QueueOrders)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Completed)
}

func TestDispatcherRetriesThenCompletes(t *testing.T) {
	ctx := context.Background()
	reg := newWorkerRegistry(t)
	d := NewDispatcher(models.QueueOrders, reg, 1, 10*time.Millisecond, zap.NewNop())

	var calls atomic.Int32
	d.Register(models.TypeProcessOrder, func(ctx context.Context, job models.Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream hiccup")
		}
		return nil, nil
	})
	startDispatcher(t, d)

	retry := models.RetryPolicy{MaxAttempts: 3, Kind: models.BackoffFixed, BaseDelay: 10 * time.Millisecond}
	job, err := reg.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, nil, queue.Options{Retry: &retry})
	require.NoError(t, err)

	ev := waitEvent(t, d.Events(), EventRetrying)
	require.Equal(t, job.ID, ev.JobID)
	require.Equal(t, 1, ev.Attempts)
	require.Contains(t, ev.Err, "upstream hiccup")

	ev = waitEvent(t, d.Events(), EventCompleted)
	require.Equal(t, job.ID, ev.JobID)
	require.Equal(t, 2, ev.Attempts)
	require.EqualValues(t, 2, calls.Load())
}

func TestDispatcherExhaustsRetriesIntoFailed(t *testing.T) {
	ctx := context.Background()
	reg := newWorkerRegistry(t)
	d := NewDispatcher(models.QueueOrders, reg, 1, 10*time.Millisecond, zap.NewNop())

	d.Register(models.TypeProcessOrder, func(ctx context.Context, job models.Job) (any, error) {
		return nil, errors.New("permanently broken")
	})
	startDispatcher(t, d)

	retry := models.RetryPolicy{MaxAttempts: 2, Kind: models.BackoffFixed, BaseDelay: 10 * time.Millisecond}
	job, err := reg.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, nil, queue.Options{Retry: &retry})
	require.NoError(t, err)

	ev := waitEvent(t, d.Events(), EventFailed)
	require.Equal(t, job.ID, ev.JobID)
	require.Equal(t, 2, ev.Attempts)

	failed, err := reg.FailedJobs(ctx, models.QueueOrders, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, job.ID, failed[0].ID)
}

func TestDispatcherFailsUnknownTypeImmediately(t *testing.T) {
	ctx := context.Background()
	reg := newWorkerRegistry(t)
	d := NewDispatcher(models.QueueOrders, reg, 1, 10*time.Millisecond, zap.NewNop())
	startDispatcher(t, d)

	job, err := reg.Enqueue(ctx, models.QueueOrders, "no_such_type", nil, queue.Options{})
	require.NoError(t, err)

	ev := waitEvent(t, d.Events(), EventFailed)
	require.Equal(t, job.ID, ev.JobID)
	require.Contains(t, ev.Err, "unknown job type")
	require.Equal(t, 1, ev.Attempts, "unknown types never retry")
}

func TestDispatcherPauseHoldsWork(t *testing.T) {
	ctx := context.Background()
	reg := newWorkerRegistry(t)
	d := NewDispatcher(models.QueueOrders, reg, 1, 10*time.Millisecond, zap.NewNop())

	var handled atomic.Int32
	d.Register(models.TypeProcessOrder, func(ctx context.Context, job models.Job) (any, error) {
		handled.Add(1)
		return nil, nil
	})
	d.Pause()
	startDispatcher(t, d)

	_, err := reg.Enqueue(ctx, models.QueueOrders, models.TypeProcessOrder, nil, queue.Options{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, handled.Load())

	d.Resume()
	waitEvent(t, d.Events(), EventCompleted)
	require.EqualValues(t, 1, handled.Load())
}
