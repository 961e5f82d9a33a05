package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"refgen_worker/handlers"
	"refgen_worker/logging"
)

// Executor runs one handler input. *handlers.RequestWrapper implements it.
type Executor interface {
	Execute(ctx context.Context, operationName string, input handlers.Input) (handlers.Response, error)
}

// QueueObserver is told about queue depth changes and finished jobs.
type QueueObserver interface {
	SetQueueDepth(n int)
	JobFinished(status string)
}

type queuedJob struct {
	id       string
	input    handlers.Input
	enqueued time.Time
}

// Queue runs submitted jobs on a fixed set of workers. Submissions beyond
// the buffer size are rejected rather than blocking the HTTP handler.
type Queue struct {
	store    JobStore
	exec     Executor
	workers  int
	logger   *logging.Logger
	observer QueueObserver

	mu     sync.RWMutex
	closed bool
	jobs   chan queuedJob

	wg sync.WaitGroup
}

// NewQueue creates a queue with the given worker count and buffer size.
// Call Start before submitting.
func NewQueue(store JobStore, exec Executor, workers, size int, logger *logging.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Queue{
		store:   store,
		exec:    exec,
		workers: workers,
		logger:  logger.Named("queue"),
		jobs:    make(chan queuedJob, size),
	}
}

// SetObserver installs an observer. Call before Start.
func (q *Queue) SetObserver(o QueueObserver) {
	q.observer = o
}

// Start launches the workers.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

// Submit records the job as IN_QUEUE and hands it to a worker.
func (q *Queue) Submit(ctx context.Context, id string, input handlers.Input) (Job, error) {
	now := time.Now()
	job := Job{ID: id, Status: StatusInQueue, CreatedAt: now}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Job{}, ErrQueueClosed
	}
	if len(q.jobs) == cap(q.jobs) {
		return Job{}, ErrQueueFull
	}
	// Store first so a fast worker never overwrites a later IN_QUEUE write.
	if err := q.store.Put(ctx, job); err != nil {
		return Job{}, err
	}

	select {
	case q.jobs <- queuedJob{id: id, input: input, enqueued: now}:
		q.reportDepth()
		return job, nil
	default:
		job.Status = StatusFailed
		job.Error = ErrQueueFull.Error()
		if err := q.store.Put(ctx, job); err != nil {
			q.logger.Warn("Failed to record rejected job", zap.String("job_id", id), zap.Error(err))
		}
		return Job{}, ErrQueueFull
	}
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Close stops intake and waits for the workers to finish what is already
// queued, or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.reportDepth()
		q.run(j)
	}
}

func (q *Queue) run(j queuedJob) {
	// Jobs outlive the request that submitted them.
	ctx := handlers.WithRequestID(context.Background(), j.id)
	started := time.Now()

	job := Job{
		ID:        j.id,
		Status:    StatusInProgress,
		DelayTime: started.Sub(j.enqueued).Milliseconds(),
		CreatedAt: j.enqueued,
	}
	if err := q.store.Put(ctx, job); err != nil {
		q.logger.Warn("Failed to record job start", zap.String("job_id", j.id), zap.Error(err))
	}

	resp, err := q.exec.Execute(ctx, "job:"+j.id, j.input)
	job.ExecutionTime = time.Since(started).Milliseconds()
	switch {
	case errors.Is(err, handlers.ErrShuttingDown):
		job.Status = StatusFailed
		job.Error = "worker is shutting down"
	case err != nil:
		job.Status = StatusFailed
		job.Error = err.Error()
	default:
		job.Status = StatusCompleted
		job.Output = &resp
	}

	if err := q.store.Put(ctx, job); err != nil {
		q.logger.Error("Failed to record job result", zap.String("job_id", j.id), zap.Error(err))
	}
	if q.observer != nil {
		q.observer.JobFinished(string(job.Status))
	}
	q.logger.Debug("Job finished",
		zap.String("job_id", j.id),
		zap.String("status", string(job.Status)),
		zap.Int64("delay_ms", job.DelayTime),
		zap.Int64("execution_ms", job.ExecutionTime),
	)
}

func (q *Queue) reportDepth() {
	if q.observer != nil {
		q.observer.SetQueueDepth(len(q.jobs))
	}
}
