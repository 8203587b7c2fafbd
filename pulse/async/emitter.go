package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/logger"
)

// JobProgressEmitter persists a running job's progress as a handler reports it
type JobProgressEmitter struct {
	job   *Job
	queue *Queue
	log   *zap.SugaredLogger // job_id pre-configured
}

// NewJobProgressEmitter creates a new progress emitter for an async job.
func NewJobProgressEmitter(job *Job, queue *Queue, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	if baseLogger == nil {
		baseLogger = logger.Logger
	}
	return &JobProgressEmitter{
		job:   job,
		queue: queue,
		log:   baseLogger.With(logger.FieldJobID, job.ID),
	}
}

// EmitStage records a stage transition
func (e *JobProgressEmitter) EmitStage(ctx context.Context, stage string) {
	e.log.Debugw("Job stage", "stage", stage)
	e.save(ctx, "stage", stage)
}

// EmitTotal sets the total number of operations
func (e *JobProgressEmitter) EmitTotal(ctx context.Context, total int) {
	e.job.SetTotal(total)
	e.save(ctx, "total", total)
}

// EmitProgress advances progress by count operations
func (e *JobProgressEmitter) EmitProgress(ctx context.Context, count int) {
	e.job.UpdateProgress(e.job.Progress.Current + count)
	e.save(ctx, logger.FieldCount, count)
}

// EmitError logs a classified error and records it on the job
func (e *JobProgressEmitter) EmitError(ctx context.Context, stage string, err error) {
	classified := ClassifyError(stage, err)

	e.log.Errorw("Job error",
		"stage", stage,
		"error_code", classified.Code,
		logger.FieldError, err,
		"retryable", classified.Retryable,
	)

	e.job.Error = classified.Message
	e.save(ctx, "stage", stage)
}

func (e *JobProgressEmitter) save(ctx context.Context, key string, value interface{}) {
	if e.queue == nil {
		return
	}
	if err := e.queue.UpdateJob(ctx, e.job); err != nil {
		e.log.Warnw("Failed to update job progress",
			key, value,
			logger.FieldError, err,
		)
	}
}
