package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsson/budgetsync/internal/jobs"
)

// Queue is an in-memory implementation of jobs.Publisher and jobs.Consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// Suitable for single-instance deployments; multi-instance setups should
// migrate to Cloud Tasks or Pub/Sub.
type Queue struct {
	jobChan   chan *jobs.ImportJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.Store
	workers   int
	closed    bool
}

// NewQueue creates a new in-memory job queue. bufferSize determines how
// many jobs can be queued before Publish blocks; workers caps concurrent
// sync runs.
func NewQueue(bufferSize, workers int, store jobs.Store) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		jobChan:   make(chan *jobs.ImportJob, bufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		workers:   workers,
	}
}

// Publish implements the jobs.Publisher interface. It registers the job as
// queued in the store and enqueues it for a worker.
func (q *Queue) Publish(ctx context.Context, job *jobs.ImportJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("Publish: queue is closed")
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := q.store.Create(ctx, job); err != nil {
		return fmt.Errorf("Publish: %w", err)
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("Publish: queue is closed")
	}
}

// Start implements the jobs.Consumer interface. Each worker marks the job
// running, invokes the handler and finalizes the outcome in the store.
func (q *Queue) Start(ctx context.Context, handler jobs.Handler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("Start: queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs a single import job. Sync runs are not retried here; a
// failed range is re-requested by the user once the cause is fixed.
func (q *Queue) processJob(ctx context.Context, job *jobs.ImportJob, handler jobs.Handler) {
	_ = q.store.MarkRunning(ctx, job.ID)

	err := handler(ctx, job)

	// The handler reports stats through the store; read them back so the
	// terminal record carries the final counters.
	stats := job.Stats
	if latest, getErr := q.store.Get(ctx, job.ID); getErr == nil {
		stats = latest.Stats
	}

	if err != nil {
		_ = q.store.MarkFailed(ctx, job.ID, err, stats)
		return
	}
	_ = q.store.MarkSucceeded(ctx, job.ID, stats)
}

// Stop implements the jobs.Consumer interface. It stops the queue and waits
// for in-flight jobs to complete, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
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

// Close implements the jobs.Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Ensure Queue implements both queue interfaces.
var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
