package background

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/taxon"
)

// ObservationSource reads a run's observations (satisfied by observation.Store)
type ObservationSource interface {
	ListForRun(ctx context.Context, runID int64, levels ...taxon.Rank) ([]observation.Observation, error)
}

// ProgressFunc is called after each member run is extracted. Calls are serialized.
type ProgressFunc func(done, total int)

// Builder computes a background's summaries. Member extraction runs in
// parallel; the reduction is a single ordered pass so results are reproducible.
type Builder struct {
	source  ObservationSource
	workers int
	logger  *zap.SugaredLogger
}

// NewBuilder creates a builder extracting up to workers members at once
func NewBuilder(source ObservationSource, workers int, log *zap.SugaredLogger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Logger
	}
	return &Builder{source: source, workers: workers, logger: log}
}

// memberValues is one run's abundance per key
type memberValues map[observation.Key]float64

// Build computes one TaxonSummary per key observed in any member. An empty
// membership yields no summaries. progress may be nil.
func (b *Builder) Build(ctx context.Context, bg *Background, progress ProgressFunc) ([]TaxonSummary, error) {
	start := time.Now()
	members := normalizeMembers(bg.MemberRunIDs)
	if len(members) == 0 {
		b.logger.Infow("Background has no members, nothing to summarize",
			logger.FieldBackgroundID, bg.ID)
		return nil, nil
	}

	extracted, err := b.extract(ctx, bg, members, progress)
	if err != nil {
		return nil, err
	}

	summaries := reduce(bg.ID, extracted)

	b.logger.Infow("Background summarized",
		logger.FieldBackgroundID, bg.ID,
		logger.FieldTotalCount, len(members),
		logger.FieldCount, len(summaries),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return summaries, nil
}

// extract reads every member in parallel. Slot i holds members[i]'s values.
func (b *Builder) extract(ctx context.Context, bg *Background, members []int64, progress ProgressFunc) ([]memberValues, error) {
	extracted := make([]memberValues, len(members))

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, runID := range members {
		i, runID := i, runID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			obs, err := b.source.ListForRun(gctx, runID)
			if err != nil {
				return errors.Wrapf(err, "extract run %d", runID)
			}

			values := make(memberValues, len(obs))
			for _, o := range obs {
				if !o.CountType.Valid() {
					b.logger.Debugw("Skipping observation with unknown count type",
						logger.FieldRunID, runID,
						logger.FieldTaxID, o.TaxID,
						logger.FieldCountType, string(o.CountType),
					)
					continue
				}
				values[o.Key()] += o.Abundance(bg.MassNormalized)
			}
			extracted[i] = values

			mu.Lock()
			done++
			if progress != nil {
				progress(done, len(members))
			}
			mu.Unlock()

			b.logger.Debugw("Extracted background member",
				logger.FieldBackgroundID, bg.ID,
				logger.FieldRunID, runID,
				logger.FieldCount, len(values),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "build background %d", bg.ID)
	}
	return extracted, nil
}

// reduce unions the keys and summarizes each in sorted key order, with
// value lists in member order
func reduce(backgroundID int64, extracted []memberValues) []TaxonSummary {
	keySet := map[observation.Key]struct{}{}
	for _, values := range extracted {
		for k := range values {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]observation.Key, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	summaries := make([]TaxonSummary, 0, len(keys))
	for _, k := range keys {
		valueList := make([]float64, len(extracted))
		for i, values := range extracted {
			valueList[i] = values[k]
		}
		mean, stdev := Summarize(valueList)
		summaries = append(summaries, TaxonSummary{
			BackgroundID: backgroundID,
			Key:          k,
			Mean:         mean,
			Stdev:        stdev,
			ValueList:    valueList,
		})
	}
	return summaries
}
