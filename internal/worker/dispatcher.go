package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/telemetry"
)

// Handler executes one job attempt. The returned value is the job's result;
// for flow children it is what the parent handler later reads back.
type Handler func(ctx context.Context, job models.Job) (any, error)

// heartbeatTTL bounds how stale a worker liveness key can get before the
// health snapshot reports the worker gone.
const heartbeatTTL = 15 * time.Second

// ErrUnknownJobType marks a job whose type has no registered handler. This is
// a configuration error, not a runtime condition, so the job fails immediately
// with no retry.
var ErrUnknownJobType = errors.New("unknown job type")

// EventKind enumerates dispatcher lifecycle events.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
)

// Event is pushed onto the dispatcher's event stream after each attempt
// settles. Consumers (logging, health, metrics) subscribe to the stream
// instead of registering callbacks on the dispatcher.
type Event struct {
	Kind     EventKind
	Queue    string
	JobID    string
	JobType  string
	Attempts int
	Err      string
}

// Dispatcher runs one worker pool for a single queue: it pulls eligible jobs,
// routes them to the handler registered for their type, and owns every job
// state transition.
type Dispatcher struct {
	queueName string
	registry  *queue.Registry
	log       *zap.Logger

	handlers map[string]Handler

	sem    *semaphore.Weighted
	poll   time.Duration
	paused atomic.Bool

	evMu     sync.Mutex
	evClosed bool
	events   chan Event

	inflight sync.WaitGroup
	running  atomic.Bool
}

// NewDispatcher builds a dispatcher for one queue with the given concurrency
// bound.
func NewDispatcher(queueName string, reg *queue.Registry, concurrency int, poll time.Duration, log *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Dispatcher{
		queueName: queueName,
		registry:  reg,
		log:       log.With(zap.String("queue", queueName)),
		handlers:  make(map[string]Handler),
		sem:       semaphore.NewWeighted(int64(concurrency)),
		poll:      poll,
		events:    make(chan Event, 128),
	}
}

// Register binds a handler to a job type. Registration happens before Run and
// is not safe to interleave with it.
func (d *Dispatcher) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	d.handlers[jobType] = h
}

// Events exposes the lifecycle event stream. Events are dropped rather than
// blocking the worker when no consumer keeps up.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// Queue returns the queue this dispatcher serves.
func (d *Dispatcher) Queue() string {
	return d.queueName
}

// Pause stops pulling new jobs without interrupting in-flight handlers.
func (d *Dispatcher) Pause() {
	d.paused.Store(true)
	d.log.Info("worker paused")
}

// Resume restarts job pulling.
func (d *Dispatcher) Resume() {
	d.paused.Store(false)
	d.log.Info("worker resumed")
}

// IsRunning reports whether the dispatch loop is live and unpaused.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load() && !d.paused.Load()
}

// Run drives the dispatch loop until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = d.registry.WorkerHeartbeat(ctx, d.queueName, heartbeatTTL)
		if brokerPaused, _ := d.registry.WorkerPaused(ctx, d.queueName); brokerPaused || d.paused.Load() {
			d.sleep(ctx)
			continue
		}

		_, _ = d.registry.PromoteDelayed(ctx, d.queueName, time.Now(), 100)
		if reclaimed, _ := d.registry.ReclaimExpired(ctx, d.queueName, time.Now(), 100); len(reclaimed) > 0 {
			d.log.Warn("reclaimed stalled jobs", zap.Int("count", len(reclaimed)))
		}
		if stats, err := d.registry.Stats(ctx, d.queueName); err == nil {
			telemetry.QueueDepth.WithLabelValues(d.queueName).Set(float64(stats.Waiting))
		}

		if !d.sem.TryAcquire(1) {
			d.sleep(ctx)
			continue
		}

		jobID, err := d.registry.DequeueWithLease(ctx, d.queueName)
		if err != nil || jobID == "" {
			d.sem.Release(1)
			d.sleep(ctx)
			continue
		}

		job, err := d.registry.GetJob(ctx, jobID)
		if err != nil {
			// Record expired or was removed out-of-band; drop the lease.
			d.sem.Release(1)
			d.log.Warn("dequeued job without record", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		d.inflight.Add(1)
		go func(job models.Job) {
			defer d.inflight.Done()
			defer d.sem.Release(1)
			d.process(ctx, job)
		}(job)
	}
}

// Close waits for in-flight jobs within the grace period, then releases the
// event stream. The dispatch loop itself stops via Run's context.
func (d *Dispatcher) Close(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn("close grace period elapsed with jobs still in flight")
	}
	d.evMu.Lock()
	if !d.evClosed {
		d.evClosed = true
		close(d.events)
	}
	d.evMu.Unlock()
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.poll):
	}
}

func (d *Dispatcher) process(ctx context.Context, job models.Job) {
	telemetry.JobsInFlight.WithLabelValues(d.queueName).Inc()
	defer telemetry.JobsInFlight.WithLabelValues(d.queueName).Dec()

	job, err := d.registry.MarkActive(ctx, job)
	if err != nil {
		d.log.Error("mark active", zap.String("job_id", job.ID), zap.Error(err))
	}

	handler, ok := d.handlers[job.Type]
	if !ok {
		cause := fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
		if err := d.registry.MarkFailed(ctx, job, cause); err != nil {
			d.log.Error("mark failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		telemetry.JobsFailed.WithLabelValues(d.queueName, job.Type).Inc()
		d.emit(Event{Kind: EventFailed, Queue: d.queueName, JobID: job.ID, JobType: job.Type, Attempts: job.Attempts, Err: cause.Error()})
		return
	}

	result, err := handler(ctx, job)
	if err == nil {
		if err := d.registry.Complete(ctx, job, result); err != nil {
			d.log.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(d.queueName, job.Type).Inc()
		d.emit(Event{Kind: EventCompleted, Queue: d.queueName, JobID: job.ID, JobType: job.Type, Attempts: job.Attempts})
		return
	}

	if job.Attempts < job.Retry.MaxAttempts {
		delay := backoffDelay(job.Retry, job.Attempts)
		if rerr := d.registry.Retry(ctx, job, err, delay); rerr != nil {
			d.log.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(rerr))
			return
		}
		telemetry.JobsRetried.WithLabelValues(d.queueName, job.Type).Inc()
		d.emit(Event{Kind: EventRetrying, Queue: d.queueName, JobID: job.ID, JobType: job.Type, Attempts: job.Attempts, Err: err.Error()})
		return
	}

	if ferr := d.registry.MarkFailed(ctx, job, err); ferr != nil {
		d.log.Error("mark failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	telemetry.JobsFailed.WithLabelValues(d.queueName, job.Type).Inc()
	d.emit(Event{Kind: EventFailed, Queue: d.queueName, JobID: job.ID, JobType: job.Type, Attempts: job.Attempts, Err: err.Error()})
}

func (d *Dispatcher) emit(ev Event) {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	if d.evClosed {
		return
	}
	select {
	case d.events <- ev:
	default:
	}
}
