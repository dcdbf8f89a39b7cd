package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"commerce-sync/internal/config"
	"commerce-sync/internal/models"
)

// ErrUnknownQueue is returned for queue names that were not declared at
// construction time.
var ErrUnknownQueue = errors.New("unknown queue")

// ErrJobNotFound is returned when a job record is missing from the broker.
var ErrJobNotFound = errors.New("job not found")

// completedRetention is how long completed job records stay around for audit
// before Redis expires them.
const completedRetention = time.Hour

// Registry owns the durable queues backed by a shared Redis broker. It is
// constructed once at process start and passed by reference to everything
// that enqueues or dispatches work; there is no ambient queue state.
type Registry struct {
	client     *redis.Client
	names      []string
	visibility time.Duration
}

// Options control a single enqueue. Zero values fall back to the defaults:
// medium priority, no delay, three attempts with exponential backoff from 2s.
type Options struct {
	Priority int
	Delay    time.Duration
	Retry    *models.RetryPolicy
}

// NewRegistry builds the registry over a Redis connection with the declared
// queue names.
func NewRegistry(cfg config.Config, names ...string) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRegistryWithClient(client, cfg.VisibilityTimeout, names...)
}

// NewRegistryWithClient is the injection point used by tests.
func NewRegistryWithClient(client *redis.Client, visibility time.Duration, names ...string) *Registry {
	if len(names) == 0 {
		names = []string{models.QueueOrders, models.QueueProducts}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Registry{
		client:     client,
		names:      names,
		visibility: visibility,
	}
}

// Names lists the declared queues.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Known reports whether the queue name was declared.
func (r *Registry) Known(name string) bool {
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

// Close releases the broker connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

func readyKey(queue string, priority int) string {
	return fmt.Sprintf("queue:%s:ready:%d", queue, priority)
}

func delayedKey(queue string) string  { return "queue:" + queue + ":delayed" }
func inflightKey(queue string) string { return "queue:" + queue + ":inflight" }
func pausedKey(queue string) string   { return "queue:" + queue + ":paused" }
func completedKey(queue string) string {
	return "queue:" + queue + ":completed"
}
func failedKey(queue string) string { return "queue:" + queue + ":failed" }
func jobKey(id string) string       { return "job:" + id }

var priorities = []int{models.PriorityHigh, models.PriorityMedium, models.PriorityLow}

func clampPriority(p int) int {
	if p < models.PriorityHigh || p > models.PriorityLow {
		return models.PriorityMedium
	}
	return p
}

func resolveOptions(opts Options) (int, time.Duration, models.RetryPolicy) {
	priority := models.PriorityMedium
	if opts.Priority != 0 {
		priority = clampPriority(opts.Priority)
	}
	retry := models.DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
		if retry.MaxAttempts <= 0 {
			retry.MaxAttempts = models.DefaultRetryPolicy().MaxAttempts
		}
		if retry.Kind == "" {
			retry.Kind = models.BackoffExponential
		}
		if retry.BaseDelay <= 0 {
			retry.BaseDelay = models.DefaultRetryPolicy().BaseDelay
		}
	}
	return priority, opts.Delay, retry
}

// Enqueue durably records a job and makes it eligible for dispatch (or parks
// it in the delayed set when a delay is requested). The job exists in Redis
// before the call returns, so a crash after Enqueue never loses it.
func (r *Registry) Enqueue(ctx context.Context, queue, jobType string, payload map[string]any, opts Options) (models.Job, error) {
	if !r.Known(queue) {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", queue, ErrUnknownQueue)
	}
	priority, delay, retry := resolveOptions(opts)

	job := models.Job{
		ID:        uuid.New().String(),
		Queue:     queue,
		Type:      jobType,
		Payload:   payload,
		Priority:  priority,
		Retry:     retry,
		State:     models.StateWaiting,
		CreatedAt: time.Now().UTC(),
	}
	if delay > 0 {
		job.State = models.StateDelayed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal job: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.RPush(ctx, readyKey(queue, priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// GetJob loads a job record by id.
func (r *Registry) GetJob(ctx context.Context, id string) (models.Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (r *Registry) saveJob(ctx context.Context, job models.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := r.client.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into their ready lists. It returns how
// many were promoted.
func (r *Registry) PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			_ = r.client.ZRem(ctx, delayedKey(queue), id).Err()
			continue
		}
		job.State = models.StateWaiting
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, job.Priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		_ = r.saveJob(ctx, job, 0)
	}
	return len(ids), nil
}

// ReclaimExpired re-enqueues jobs whose lease deadline passed, implementing
// at-least-once redelivery after a worker crash mid-handler.
func (r *Registry) ReclaimExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		priority := models.PriorityMedium
		job, err := r.GetJob(ctx, id)
		if err == nil {
			priority = job.Priority
			job.State = models.StateWaiting
			_ = r.saveJob(ctx, job, 0)
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.RPush(ctx, readyKey(queue, priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DequeueWithLease pops the next eligible job id (priority order, then FIFO)
// and records an in-flight lease. It returns "" when the queue is empty or
// paused.
func (r *Registry) DequeueWithLease(ctx context.Context, queue string) (string, error) {
	if !r.Known(queue) {
		return "", fmt.Errorf("dequeue %s: %w", queue, ErrUnknownQueue)
	}
	paused, err := r.IsPaused(ctx, queue)
	if err != nil {
		return "", err
	}
	if paused {
		return "", nil
	}

	keys := make([]string, 0, len(priorities)+1)
	for _, p := range priorities {
		keys = append(keys, readyKey(queue, p))
	}
	keys = append(keys, inflightKey(queue))

	res, err := dequeueScript.Run(ctx, r.client, keys, time.Now().Add(r.visibility).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// MarkActive records that a handler attempt started.
func (r *Registry) MarkActive(ctx context.Context, job models.Job) (models.Job, error) {
	job.State = models.StateActive
	job.Attempts++
	if err := r.saveJob(ctx, job, 0); err != nil {
		return job, err
	}
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (r *Registry) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	return r.client.ZAdd(ctx, inflightKey(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Complete acknowledges a finished job. The record is retained briefly for
// audit then expired. When the job belongs to a flow, the child result is
// recorded and the parent is promoted once its last child completes.
func (r *Registry) Complete(ctx context.Context, job models.Job, result any) error {
	job.State = models.StateCompleted
	job.LastError = ""
	if err := r.saveJob(ctx, job, completedRetention); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(job.Queue), job.ID)
	pipe.Incr(ctx, completedKey(job.Queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	if job.ParentID != "" {
		return r.completeChild(ctx, job, result)
	}
	return nil
}

// Retry schedules a redelivery after a failed attempt using the delay the
// caller computed from the job's stored retry policy.
func (r *Registry) Retry(ctx context.Context, job models.Job, cause error, delay time.Duration) error {
	job.State = models.StateDelayed
	job.LastError = cause.Error()
	if err := r.saveJob(ctx, job, 0); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// MarkFailed moves a job to the terminal failed set, where it stays visible
// for operator inspection and possible re-enqueue.
func (r *Registry) MarkFailed(ctx context.Context, job models.Job, cause error) error {
	job.State = models.StateFailed
	job.LastError = cause.Error()
	if err := r.saveJob(ctx, job, 0); err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(job.Queue), job.ID)
	pipe.RPush(ctx, failedKey(job.Queue), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// FailedJobs peeks at the failed set for a queue.
func (r *Registry) FailedJobs(ctx context.Context, queue string, count int64) ([]models.Job, error) {
	ids, err := r.client.LRange(ctx, failedKey(queue), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed puts a terminally failed job back on its ready list with a fresh
// attempt budget. This is the manual remedy for a flow blocked by a dead
// child.
func (r *Registry) RetryFailed(ctx context.Context, queue, jobID string) (models.Job, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.StateFailed {
		return models.Job{}, fmt.Errorf("job %s is %s, not failed", jobID, job.State)
	}
	job.State = models.StateWaiting
	job.Attempts = 0
	job.LastError = ""
	if err := r.saveJob(ctx, job, 0); err != nil {
		return models.Job{}, err
	}
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, failedKey(queue), 0, jobID)
	pipe.RPush(ctx, readyKey(queue, job.Priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// Pause stops new dispatch for a queue without dropping enqueued jobs.
func (r *Registry) Pause(ctx context.Context, queue string) error {
	if !r.Known(queue) {
		return fmt.Errorf("pause %s: %w", queue, ErrUnknownQueue)
	}
	return r.client.Set(ctx, pausedKey(queue), "1", 0).Err()
}

// Resume re-enables dispatch for a paused queue.
func (r *Registry) Resume(ctx context.Context, queue string) error {
	if !r.Known(queue) {
		return fmt.Errorf("resume %s: %w", queue, ErrUnknownQueue)
	}
	return r.client.Del(ctx, pausedKey(queue)).Err()
}

// IsPaused reports the pause flag for a queue.
func (r *Registry) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := r.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats snapshots the per-state job counts for a queue.
func (r *Registry) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	if !r.Known(queue) {
		return models.QueueStats{}, fmt.Errorf("stats %s: %w", queue, ErrUnknownQueue)
	}
	pipe := r.client.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, len(priorities))
	for _, p := range priorities {
		readyCmds = append(readyCmds, pipe.LLen(ctx, readyKey(queue, p)))
	}
	delayedCmd := pipe.ZCard(ctx, delayedKey(queue))
	activeCmd := pipe.ZCard(ctx, inflightKey(queue))
	completedCmd := pipe.Get(ctx, completedKey(queue))
	failedCmd := pipe.LLen(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.QueueStats{}, err
	}

	var stats models.QueueStats
	for _, c := range readyCmds {
		stats.Waiting += c.Val()
	}
	stats.Delayed = delayedCmd.Val()
	stats.Active = activeCmd.Val()
	stats.Completed, _ = completedCmd.Int64()
	stats.Failed = failedCmd.Val()
	return stats, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
