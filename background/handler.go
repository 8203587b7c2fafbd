package background

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/pulse/async"
)

// BuildHandlerName routes background build jobs
const BuildHandlerName = "background.build"

// BuildPayload is the job payload of a background build
type BuildPayload struct {
	BackgroundID int64 `json:"background_id"`
}

// NewBuildJob creates a queued build job for background id. The source is
// per background so a background is never queued twice.
func NewBuildJob(id int64) (*async.Job, error) {
	payload, err := json.Marshal(BuildPayload{BackgroundID: id})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode build payload")
	}
	return async.NewJob(BuildHandlerName, fmt.Sprintf("background:%d", id), payload, 0)
}

// BuildHandler runs background builds from the job queue
type BuildHandler struct {
	service *Service
	queue   *async.Queue
	logger  *zap.SugaredLogger
}

// NewBuildHandler creates the handler. queue receives progress updates.
func NewBuildHandler(service *Service, queue *async.Queue, log *zap.SugaredLogger) *BuildHandler {
	if log == nil {
		log = logger.Logger
	}
	return &BuildHandler{service: service, queue: queue, logger: log}
}

// Name implements async.JobHandler
func (h *BuildHandler) Name() string {
	return BuildHandlerName
}

// Execute implements async.JobHandler
func (h *BuildHandler) Execute(ctx context.Context, job *async.Job) error {
	var payload BuildPayload
	if err := job.DecodePayload(&payload); err != nil {
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	if payload.BackgroundID <= 0 {
		return errors.NewInvalidRequestError("build payload needs a background_id")
	}

	emitter := async.NewJobProgressEmitter(job, h.queue, h.logger)
	emitter.EmitStage(ctx, "extract")

	progress := func(done, total int) {
		if done == 1 {
			emitter.EmitTotal(ctx, total)
		}
		emitter.EmitProgress(ctx, 1)
	}

	result, err := h.service.Rebuild(ctx, payload.BackgroundID, progress)
	if err != nil {
		emitter.EmitError(ctx, "build", err)
		return err
	}

	logger.LoggerFromContext(ctx, h.logger).Infow("Background build finished",
		logger.FieldBackgroundID, payload.BackgroundID,
		logger.FieldCount, result.Summaries,
		logger.FieldDurationMS, result.Duration.Milliseconds(),
	)
	return nil
}
