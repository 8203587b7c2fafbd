package background

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

// BuildRecorder observes completed builds (satisfied by metrics.Registry)
type BuildRecorder interface {
	ObserveBackgroundBuild(name string, duration time.Duration, summaries int)
}

// BuildResult describes a finished build
type BuildResult struct {
	Background *Background   `json:"background"`
	Summaries  int           `json:"summaries"`
	Duration   time.Duration `json:"duration"`
}

// Service rebuilds backgrounds: load membership, summarize, replace stored summaries
type Service struct {
	store    *Store
	builder  *Builder
	recorder BuildRecorder
	timeout  atomic.Int64 // nanoseconds
	logger   *zap.SugaredLogger
}

// NewService wires a store and builder. timeout bounds each build; 0 disables it.
// recorder may be nil.
func NewService(store *Store, builder *Builder, recorder BuildRecorder, timeout time.Duration, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Logger
	}
	s := &Service{store: store, builder: builder, recorder: recorder, logger: log}
	s.SetTimeout(timeout)
	return s
}

// SetTimeout changes the bound applied to builds started afterwards
func (s *Service) SetTimeout(timeout time.Duration) {
	s.timeout.Store(int64(timeout))
}

// Timeout returns the current build bound
func (s *Service) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// Store returns the underlying store
func (s *Service) Store() *Store {
	return s.store
}

// Rebuild recomputes every summary of background id and replaces the stored
// set wholesale. A failed or cancelled build leaves the previous set intact.
func (s *Service) Rebuild(ctx context.Context, id int64, progress ProgressFunc) (*BuildResult, error) {
	timeout := s.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summaries, err := s.builder.Build(ctx, bg, progress)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.WithHintf(err, "raise background.timeout_seconds (currently %s)", timeout)
		}
		return nil, err
	}

	if err := s.store.ReplaceSummaries(ctx, bg.ID, summaries); err != nil {
		return nil, err
	}
	duration := time.Since(start)

	if s.recorder != nil {
		s.recorder.ObserveBackgroundBuild(bg.Name, duration, len(summaries))
	}
	return &BuildResult{Background: bg, Summaries: len(summaries), Duration: duration}, nil
}
