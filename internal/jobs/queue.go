package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/timmy/lookbook/internal/domain"
	"github.com/timmy/lookbook/internal/logger"
)

var (
	// ErrQueueFull is returned by Submit when every slot of the queue is taken.
	ErrQueueFull = errors.New("job queue is full")

	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("job queue is closed")
)

// Spec is a batch submitted for ingestion.
type Spec struct {
	Username string
	Files    []domain.ImageFile
}

// Job is a dequeued Spec with its id.
type Job struct {
	ID string
	Spec
}

// ProgressFunc publishes the items processed so far. results holds one entry per processed item.
type ProgressFunc func(ctx context.Context, current int, results []domain.ItemResult) error

// Handler processes one job. Returning an error fails the job; per-item problems belong in results.
type Handler func(ctx context.Context, job Job, progress ProgressFunc) error

// QueueConfig sizes the worker pool.
type QueueConfig struct {
	Workers int
	Size    int
}

// Queue runs submitted jobs on a fixed pool of goroutines. Each job is run by exactly one
// goroutine, which is the only writer of its snapshot while it runs.
type Queue struct {
	tracker Tracker
	handler Handler

	mu     sync.RWMutex
	closed bool
	ch     chan Job
	wg     sync.WaitGroup
}

// NewQueue starts cfg.Workers goroutines that process jobs with handler.
// Parameters:
//   - ctx: base context of every job run; cancelling it does not stop a running job's items.
//   - tracker: snapshot store.
//   - handler: job processor.
//   - cfg: pool size and queue capacity.
// Returns:
//   - *Queue: running queue; call Close to drain it.
func NewQueue(ctx context.Context, tracker Tracker, handler Handler, cfg QueueConfig) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.Size
	if size < 0 {
		size = 0
	}

	q := &Queue{
		tracker: tracker,
		handler: handler,
		ch:      make(chan Job, size),
	}
	base := context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(workerID int) {
			defer q.wg.Done()
			wctx := logger.WithFields(base, logger.Fields{logger.FieldComponent: "ingest_worker", "worker_id": workerID})
			for job := range q.ch {
				q.run(wctx, job)
			}
		}(i)
	}
	return q
}

// Submit records a pending job and schedules it without waiting for it to run.
// When the queue is full or closed the job id is still returned and its snapshot is failed.
func (q *Queue) Submit(ctx context.Context, spec Spec) (string, error) {
	id := uuid.NewString()
	snap := Snapshot{
		ID:       id,
		Username: spec.Username,
		State:    StatePending,
		Total:    len(spec.Files),
		Results:  []domain.ItemResult{},
	}
	if err := q.tracker.Create(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	q.mu.RLock()
	var submitErr error
	if q.closed {
		submitErr = ErrQueueClosed
	} else {
		select {
		case q.ch <- Job{ID: id, Spec: spec}:
		default:
			submitErr = ErrQueueFull
		}
	}
	q.mu.RUnlock()

	if submitErr != nil {
		snap.State = StateFailed
		snap.Error = submitErr.Error()
		if err := q.tracker.Update(ctx, snap); err != nil {
			logger.CtxWarn(ctx, "Failed to mark job %s as failed: %v", id, err)
		}
		return id, submitErr
	}
	return id, nil
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, job Job) {
	ctx = logger.SetJobID(ctx, job.ID)
	ctx = logger.SetUsername(ctx, job.Username)
	log := logger.FromContext(ctx)

	latest := Snapshot{ID: job.ID, State: StateRunning, Total: len(job.Files), Results: []domain.ItemResult{}}
	if err := q.tracker.Update(ctx, latest); err != nil {
		log.WithError(err).Error("Failed to mark job running")
		return
	}

	// latest holds the newest progress even when publishing it failed, so the final
	// update carries every result.
	progress := func(ctx context.Context, current int, results []domain.ItemResult) error {
		next := latest
		next.Current = current
		next.Results = results
		latest = next.Clone()
		return q.tracker.Update(ctx, next)
	}

	err := q.invoke(ctx, job, progress)

	final := latest
	if err != nil {
		final.State = StateFailed
		final.Error = err.Error()
		log.WithError(err).Error("Job failed")
	} else {
		final.State = StateSucceeded
		log.WithField("current", final.Current).Info("Job finished")
	}
	if err := q.tracker.Update(ctx, final); err != nil {
		log.WithError(err).Error("Failed to record final job state")
	}
}

func (q *Queue) invoke(ctx context.Context, job Job, progress ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Job panicked: %v", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handler(ctx, job, progress)
}
