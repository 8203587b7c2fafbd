package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/taxscore/errors"
)

// Queue serializes job state transitions over the job store
type Queue struct {
	store *Store
	mu    sync.RWMutex
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{store: NewStore(db)}
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
		return err
	}

	return nil
}

// EnqueueUnique enqueues job unless an active job with the same source and
// handler exists, in which case that job is returned instead.
func (q *Queue) EnqueueUnique(ctx context.Context, job *Job) (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.FindActiveJobBySourceAndHandler(ctx, job.Source, job.HandlerName)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, false, errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}
	return job, true, nil
}

// Dequeue gets the oldest queued job and marks it as running
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextQueued(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil // No jobs available
	}

	job.Start()
	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to mark job as running")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return nil, err
	}

	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(ctx, id)
}

// UpdateJob updates a job's state
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		return err
	}

	return nil
}

// CompleteJob marks a job as completed
func (q *Queue) CompleteJob(ctx context.Context, job *Job) error {
	job.Complete()
	return q.UpdateJob(ctx, job)
}

// FailJob marks a job as failed with an error
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	job.Fail(jobErr)
	if err := q.UpdateJob(ctx, job); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job error: %s", jobErr.Error()))
	}
	return nil
}

// CancelJob cancels a queued job. Running and finished jobs are left alone.
func (q *Queue) CancelJob(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}
	if job.Status != JobStatusQueued {
		return errors.NewConflictError("job %s is not queued (status: %s)", id, job.Status)
	}

	job.Cancel(reason)
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}

	return nil
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(ctx, status, limit)
}

// Cleanup removes old finished jobs
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(ctx, olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
