package async

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the job be retried?
}

// ClassifyError categorizes an error by its marks first, then by message
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}
	errLower := strings.ToLower(ctx.Message)

	switch {
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		// A build that ran out of time will run out of time again
		ctx.Code = ErrorCodeTimeout
	case errors.Is(err, errors.ErrNotFound):
		ctx.Code = ErrorCodeNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		ctx.Code = ErrorCodeValidationError
	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json") ||
		strings.Contains(errLower, "decode payload"):
		ctx.Code = ErrorCodeParseError
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true
	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}

	return ctx
}

// RetryableError re-queues job when it has retries left and returns a wrapped
// error; once retries are exhausted it returns a final error.
func RetryableError(ctx context.Context, queue *Queue, job *Job, operation string, err error, log *zap.SugaredLogger) error {
	if job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Error = fmt.Sprintf("%s (retry %d/%d): %v", operation, job.RetryCount, MaxRetries, err)
		job.Requeue()
		if updateErr := queue.UpdateJob(ctx, job); updateErr != nil {
			log.Warnw("Failed to update job for retry",
				logger.FieldError, updateErr,
			)
		} else {
			log.Infow("Retry scheduled",
				"retry_count", job.RetryCount,
				"max_retries", MaxRetries,
				logger.FieldOperation, operation,
			)
		}
		return errors.Wrap(err, "retriable")
	}
	log.Warnw("Max retries exceeded",
		"max_retries", MaxRetries,
		logger.FieldOperation, operation,
	)
	return errors.Wrapf(err, "%s after %d retries", operation, MaxRetries)
}
