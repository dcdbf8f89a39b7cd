package queue

import (
	"context"
	"fmt"
	"time"
)

// Worker control state lives in the broker so the operator API can pause,
// resume, and observe dispatchers running in other processes.

func workerPausedKey(queue string) string { return "worker:" + queue + ":paused" }
func workerAliveKey(queue string) string  { return "worker:" + queue + ":alive" }

// PauseWorker stops the queue's dispatcher from pulling new jobs. In-flight
// jobs finish normally.
func (r *Registry) PauseWorker(ctx context.Context, queue string) error {
	if !r.Known(queue) {
		return fmt.Errorf("pause worker %s: %w", queue, ErrUnknownQueue)
	}
	return r.client.Set(ctx, workerPausedKey(queue), "1", 0).Err()
}

// ResumeWorker restarts job pulling for the queue's dispatcher.
func (r *Registry) ResumeWorker(ctx context.Context, queue string) error {
	if !r.Known(queue) {
		return fmt.Errorf("resume worker %s: %w", queue, ErrUnknownQueue)
	}
	return r.client.Del(ctx, workerPausedKey(queue)).Err()
}

// WorkerPaused reports the broker-side pause flag for a queue's dispatcher.
func (r *Registry) WorkerPaused(ctx context.Context, queue string) (bool, error) {
	n, err := r.client.Exists(ctx, workerPausedKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WorkerHeartbeat refreshes the dispatcher liveness key. The dispatcher calls
// this every loop iteration; the key expiring means the worker is gone.
func (r *Registry) WorkerHeartbeat(ctx context.Context, queue string, ttl time.Duration) error {
	return r.client.Set(ctx, workerAliveKey(queue), "1", ttl).Err()
}

// WorkerAlive reports whether a dispatcher heartbeat is current.
func (r *Registry) WorkerAlive(ctx context.Context, queue string) (bool, error) {
	n, err := r.client.Exists(ctx, workerAliveKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
