package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued on start
	MaxOrphanedJobsToRecover = 1000

	// MaxRetries is the maximum number of retry attempts for failed jobs
	MaxRetries = 2

	// stopTimeout bounds how long Stop waits for handlers to return
	stopTimeout = 30 * time.Second
)

// JobRecorder observes finished job executions (satisfied by metrics.Registry)
type JobRecorder interface {
	RecordJob(handlerName string, status string, duration time.Duration)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: time.Second,
	}
}

// WorkerPool manages a pool of workers that process queued jobs
type WorkerPool struct {
	queue      *Queue
	registry   *HandlerRegistry
	executor   JobExecutor
	recorder   JobRecorder
	poolConfig WorkerPoolConfig
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	jobsProcessed int
	activeWorkers int
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Register handlers before calling Start. Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, conn *sql.DB, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}

	workerCtx, cancel := context.WithCancel(ctx)
	registry := NewHandlerRegistry()

	return &WorkerPool{
		queue:      NewQueue(conn),
		registry:   registry,
		executor:   NewRegistryExecutor(registry),
		poolConfig: poolCfg,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     log.Named("pulse"),
	}
}

// SetRecorder installs an observer for finished jobs. Call before Start.
func (wp *WorkerPool) SetRecorder(r JobRecorder) {
	wp.recorder = r
}

// Start recovers jobs orphaned by a previous crash and starts the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restarted after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	if n, err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Infow("Recovered orphaned jobs", logger.FieldCount, n)
	}

	wp.logger.Infow("Worker pool started",
		"workers", wp.poolConfig.Workers,
		"handlers", wp.registry.Names(),
	)
	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// recoverOrphanedJobs re-queues jobs left "running" by an ungraceful shutdown
func (wp *WorkerPool) recoverOrphanedJobs() (int, error) {
	running := JobStatusRunning
	orphaned, err := wp.queue.ListJobs(wp.ctx, &running, MaxOrphanedJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	recovered := 0
	for _, job := range orphaned {
		job.Requeue()
		if err := wp.queue.UpdateJob(wp.ctx, job); err != nil {
			wp.logger.Warnw("Failed to recover orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Stop cancels the workers and waits for running handlers to return
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "jobs_processed", wp.JobsProcessed())
	case <-time.After(stopTimeout):
		wp.logger.Warnw("Worker pool stop timed out, handlers may still be running", "timeout", stopTimeout)
	}
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.mu.Lock()
	ctx := wp.ctx
	wp.mu.Unlock()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := wp.processNextJob(ctx)
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				continue
			}

			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return
			}

			errorCount++
			wp.logger.Errorw("Worker error processing job",
				"worker_id", id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					"worker_id", id,
					"backoff", backoffDuration)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		}
	}
}

// processNextJob dequeues one job and runs it. A nil error with an empty
// queue means there was nothing to do.
func (wp *WorkerPool) processNextJob(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	job, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(logger.FieldJobID, job.ID, "handler", job.HandlerName)
	jobCtx := logger.WithComponent(logger.WithJobID(ctx, job.ID), job.HandlerName)
	// Bookkeeping writes must survive the worker context being cancelled
	bookkeeping := context.WithoutCancel(ctx)

	start := time.Now()
	execErr := wp.executor.Execute(jobCtx, job)
	duration := time.Since(start)

	if execErr == nil {
		log.Infow("Job completed",
			logger.FieldStatus, string(JobStatusCompleted),
			logger.FieldDurationMS, duration.Milliseconds())
		wp.record(job, JobStatusCompleted, duration)
		return wp.queue.CompleteJob(bookkeeping, job)
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the job; run it again on next start
		log.Warnw("Job interrupted by shutdown, re-queuing", logger.FieldStatus, string(JobStatusQueued))
		job.Requeue()
		if err := wp.queue.UpdateJob(bookkeeping, job); err != nil {
			log.Errorw("Failed to re-queue interrupted job", logger.FieldError, err)
		}
		return nil
	}

	classified := ClassifyError("execute", execErr)
	if classified.Retryable && job.RetryCount < MaxRetries {
		_ = RetryableError(bookkeeping, wp.queue, job, job.HandlerName, execErr, log)
		return nil
	}

	log.Errorw("Job failed",
		logger.FieldStatus, string(JobStatusFailed),
		logger.FieldError, execErr,
		"error_code", classified.Code,
		logger.FieldDurationMS, duration.Milliseconds())
	wp.record(job, JobStatusFailed, duration)
	return wp.queue.FailJob(bookkeeping, job, execErr)
}

func (wp *WorkerPool) record(job *Job, status JobStatus, d time.Duration) {
	if wp.recorder != nil {
		wp.recorder.RecordJob(job.HandlerName, string(status), d)
	}
}

// Queue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry for registering job handlers
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// JobsProcessed returns how many jobs this pool has dequeued since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}

// ActiveWorkers returns how many workers are executing a job right now
func (wp *WorkerPool) ActiveWorkers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.activeWorkers
}
