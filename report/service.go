package report

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/taxscore/background"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/highlight"
	"github.com/teranos/taxscore/lineage"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/scoring"
	"github.com/teranos/taxscore/taxon"
	"github.com/teranos/taxscore/zscore"
)

// ObservationSource reads a run and its observations (satisfied by observation.Store)
type ObservationSource interface {
	GetRun(ctx context.Context, id int64) (*observation.Run, error)
	ListForRun(ctx context.Context, runID int64, levels ...taxon.Rank) ([]observation.Observation, error)
}

// BackgroundSource reads a background and its summaries (satisfied by background.Store)
type BackgroundSource interface {
	Get(ctx context.Context, id int64) (*background.Background, error)
	LoadSummaries(ctx context.Context, backgroundID int64) (background.SummarySet, error)
}

// LineageResolver resolves ancestry at a version label (satisfied by lineage.Resolver)
type LineageResolver interface {
	ResolveMany(taxids []int64, label string) (map[int64]lineage.Record, []*lineage.GapError, error)
}

// ModelSource looks up scoring models (satisfied by scoring.Registry)
type ModelSource interface {
	Get(name string) (*scoring.Model, error)
}

// Recorder observes report outcomes (satisfied by metrics.Registry)
type Recorder interface {
	RecordAttributeNotFound(model string)
	SetHighlighted(n int)
}

// Service generates reports
type Service struct {
	observations ObservationSource
	backgrounds  BackgroundSource
	resolver     LineageResolver
	models       ModelSource
	recorder     Recorder
	defaultModel string
	workers      int
	logger       *zap.SugaredLogger
}

// NewService wires the report's collaborators. recorder may be nil.
func NewService(
	observations ObservationSource,
	backgrounds BackgroundSource,
	resolver LineageResolver,
	models ModelSource,
	recorder Recorder,
	defaultModel string,
	log *zap.SugaredLogger,
) *Service {
	if log == nil {
		log = logger.Logger
	}
	return &Service{
		observations: observations,
		backgrounds:  backgrounds,
		resolver:     resolver,
		models:       models,
		recorder:     recorder,
		defaultModel: defaultModel,
		workers:      runtime.GOMAXPROCS(0),
		logger:       log,
	}
}

// entry collects the NT and NR observations of one taxon at one level
type entry struct {
	taxID       int64
	level       taxon.Rank
	genusTaxID  int64
	familyTaxID int64
	halves      map[taxon.CountType]*observation.Observation
}

type entryKey struct {
	taxID int64
	level taxon.Rank
}

// excluded reports whether a taxon never appears in reports
func excluded(taxID, genusTaxID int64) bool {
	return taxID == taxon.HomoSapiensTaxID ||
		taxID == taxon.BlacklistGenusID ||
		genusTaxID == taxon.BlacklistGenusID
}

// Generate builds the report for req
func (s *Service) Generate(ctx context.Context, req Request) (*Report, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.ModelName == "" {
		req.ModelName = s.defaultModel
	}
	log := logger.LoggerFromContext(ctx, s.logger).With(
		logger.FieldRunID, req.RunID,
		logger.FieldBackgroundID, req.BackgroundID,
		logger.FieldModel, req.ModelName,
	)
	start := time.Now()

	model, err := s.models.Get(req.ModelName)
	if err != nil {
		return nil, err
	}
	run, err := s.observations.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	bg, err := s.backgrounds.Get(ctx, req.BackgroundID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.backgrounds.LoadSummaries(ctx, bg.ID)
	if err != nil {
		return nil, err
	}
	if bg.BuiltAt == nil {
		log.Warnw("Background has never been built, every observed taxon scores as absent from background")
	}
	normalizer, err := zscore.NewNormalizer(summaries, model.Config)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", model.Name)
	}

	obs, err := s.observations.ListForRun(ctx, run.ID, taxon.Species, taxon.Genus)
	if err != nil {
		return nil, err
	}
	entries := collect(obs)

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.taxID
	}
	records, gaps, err := s.resolver.ResolveMany(ids, req.VersionLabel)
	if err != nil {
		return nil, errors.WithHint(err, "check the --version label against `taxscore lineage versions`")
	}

	rep := &Report{
		RunID:          run.ID,
		BackgroundID:   bg.ID,
		BackgroundName: bg.Name,
		VersionLabel:   req.VersionLabel,
		Model:          model.Name,
		Thresholds:     req.Thresholds,
		GeneratedAt:    time.Now().UTC(),
	}
	for _, gap := range gaps {
		rep.Warnings = append(rep.Warnings, Warning{Kind: WarningLineageGap, TaxID: gap.TaxID, Message: gap.Error()})
	}

	// Rows, keyed the same way as entries
	rows := make(map[entryKey]*Row, len(entries))
	var species []*Row
	for _, e := range entries {
		row := buildRow(e, records[e.taxID], normalizer, bg.MassNormalized)
		if excluded(row.TaxID, row.GenusTaxID) || excluded(e.taxID, e.genusTaxID) {
			continue
		}
		rows[entryKey{e.taxID, e.level}] = row
		if e.level == taxon.Species {
			species = append(species, row)
		}
	}

	if err := s.score(ctx, model, species, rows, rep); err != nil {
		return nil, err
	}

	s.highlight(species, rep)
	s.group(rows, species, records, rep)
	rep.Lineage = lineage.BuildTree(records)

	sort.SliceStable(rep.Warnings, func(i, j int) bool {
		if rep.Warnings[i].TaxID != rep.Warnings[j].TaxID {
			return rep.Warnings[i].TaxID < rep.Warnings[j].TaxID
		}
		return rep.Warnings[i].Kind < rep.Warnings[j].Kind
	})

	log.Infow("Report generated",
		logger.FieldVersionLabel, req.VersionLabel,
		logger.FieldCount, len(species),
		logger.FieldTotalCount, len(rows),
		"highlighted", len(rep.Highlighted),
		"warnings", len(rep.Warnings),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return rep, nil
}

// collect groups observations by taxon and level, ordered by taxid then level
func collect(obs []observation.Observation) []*entry {
	byKey := map[entryKey]*entry{}
	var order []*entry
	for i := range obs {
		o := &obs[i]
		if !o.CountType.Valid() {
			continue
		}
		k := entryKey{o.TaxID, o.TaxLevel}
		e, ok := byKey[k]
		if !ok {
			e = &entry{
				taxID:       o.TaxID,
				level:       o.TaxLevel,
				genusTaxID:  o.GenusTaxID,
				familyTaxID: o.FamilyTaxID,
				halves:      map[taxon.CountType]*observation.Observation{},
			}
			byKey[k] = e
			order = append(order, e)
		}
		e.halves[o.CountType] = o
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].taxID != order[j].taxID {
			return order[i].taxID < order[j].taxID
		}
		return order[i].level < order[j].level
	})
	return order
}

// buildRow normalizes both halves of e. A missing half scores as absent from sample.
func buildRow(e *entry, rec lineage.Record, n *zscore.Normalizer, massNormalized bool) *Row {
	row := &Row{
		TaxID:       e.taxID,
		TaxLevel:    e.level,
		GenusTaxID:  e.genusTaxID,
		FamilyTaxID: e.familyTaxID,
	}
	row.Name = rec.Name()
	// A real ancestor from the lineage wins over the observation's; a sentinel only fills a blank
	if g := rec.Ancestor(taxon.Genus).TaxID; g > 0 || (g < 0 && row.GenusTaxID == 0) {
		row.GenusTaxID = g
	}
	if f := rec.Ancestor(taxon.Family).TaxID; f > 0 {
		row.FamilyTaxID = f
	}
	if e.level == taxon.Genus {
		row.GenusTaxID = e.taxID
	}
	if row.GenusTaxID == 0 {
		row.GenusTaxID = taxon.MissingGenusID
	}
	row.IsPhage = rec.IsPhage || taxon.IsPhageFamily(row.FamilyTaxID)

	for _, ct := range taxon.CountTypes {
		m := row.Metrics(ct)
		key := observation.Key{TaxID: e.taxID, CountType: ct, TaxLevel: e.level}
		o, present := e.halves[ct]
		if !present {
			z := n.ZScore(key, 0, false)
			*m = Metrics{ZScore: z.Value, ZKind: z.Kind.String()}
			continue
		}
		z := n.ZScore(key, o.Abundance(massNormalized), true)
		*m = Metrics{
			Present:         true,
			Count:           o.Count,
			RPM:             o.RPM,
			BPM:             o.BPM,
			ZScore:          z.Value,
			ZKind:           z.Kind.String(),
			PercentIdentity: o.PercentIdentity,
			AlignmentLength: o.AlignmentLength,
			EValue:          o.EValue,
		}
	}
	row.MaxZScore = math.Max(row.NT.ZScore, row.NR.ZScore)
	return row
}

// attributes returns the scoring context of row under rank
func attributes(attrs scoring.Attributes, rank taxon.Rank, row *Row) {
	prefix := rank.String() + "."
	for _, ct := range taxon.CountTypes {
		m := row.Metrics(ct)
		p := prefix + string(ct) + "."
		attrs[p+"zscore"] = m.ZScore
		attrs[p+"rpm"] = m.RPM
		attrs[p+"count"] = float64(m.Count)
		attrs[p+"percent_identity"] = m.PercentIdentity
		attrs[p+"alignment_length"] = m.AlignmentLength
		attrs[p+"e_value"] = m.EValue
	}
	phage := 0.0
	if row.IsPhage {
		phage = 1
	}
	attrs[prefix+"is_phage"] = phage
}

// score evaluates the model for every species in parallel. A species whose
// context lacks an attribute is excluded and reported as a warning.
func (s *Service) score(ctx context.Context, model *scoring.Model, species []*Row, rows map[entryKey]*Row, rep *Report) error {
	missing := make([]error, len(species))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, row := range species {
		i, row := i, row
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			attrs := scoring.Attributes{}
			attributes(attrs, taxon.Species, row)
			if genus, ok := rows[entryKey{row.GenusTaxID, taxon.Genus}]; ok {
				attributes(attrs, taxon.Genus, genus)
			}

			v, err := model.Evaluate(attrs)
			if scoring.IsAttributeNotFound(err) {
				missing[i] = err
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "score taxid %d", row.TaxID)
			}
			row.Score = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, err := range missing {
		if err == nil {
			continue
		}
		row := species[i]
		row.Excluded = true
		if s.recorder != nil {
			s.recorder.RecordAttributeNotFound(model.Name)
		}
		s.logger.Warnw("Taxon excluded from ranking",
			logger.FieldTaxID, row.TaxID,
			logger.FieldTaxLevel, int(row.TaxLevel),
			logger.FieldModel, model.Name,
			logger.FieldError, err,
		)
		rep.Warnings = append(rep.Warnings, Warning{Kind: WarningAttributeNotFound, TaxID: row.TaxID, Message: err.Error()})
	}
	return nil
}

func candidate(row *Row) highlight.Candidate {
	c := highlight.Candidate{
		TaxID: row.TaxID,
		NTZ:   row.NT.ZScore,
		NRZ:   row.NR.ZScore,
		NTRPM: row.NT.RPM,
		NRRPM: row.NR.RPM,
	}
	if row.Score != nil {
		c.Score = *row.Score
	}
	return c
}

// highlight flags the selected species; nothing is removed
func (s *Service) highlight(species []*Row, rep *Report) {
	byID := make(map[int64]*Row, len(species))
	candidates := make([]highlight.Candidate, 0, len(species))
	for _, row := range species {
		if row.Score == nil {
			continue
		}
		byID[row.TaxID] = row
		candidates = append(candidates, candidate(row))
	}

	for _, c := range highlight.Select(candidates, rep.Thresholds) {
		byID[c.TaxID].Highlighted = true
		rep.Highlighted = append(rep.Highlighted, c.TaxID)
	}
	if s.recorder != nil {
		s.recorder.SetHighlighted(len(rep.Highlighted))
	}
}

// group places species under their genus. A genus scores as its best
// species; genera and species are ordered by score, then rpm, then taxid.
func (s *Service) group(rows map[entryKey]*Row, species []*Row, records map[int64]lineage.Record, rep *Report) {
	genera := map[int64]*Genus{}
	genusOf := func(id int64) *Genus {
		g, ok := genera[id]
		if !ok {
			g = &Genus{TaxID: id}
			genera[id] = g
		}
		return g
	}

	for k, row := range rows {
		if k.level == taxon.Genus {
			g := genusOf(row.TaxID)
			g.Row = row
			g.Name = row.Name
		}
	}
	for _, row := range species {
		g := genusOf(row.GenusTaxID)
		g.Species = append(g.Species, *row)
		if g.Name == "" {
			g.Name = records[row.TaxID].Ancestor(taxon.Genus).Name
		}
		if row.Score != nil && (g.Score == nil || *row.Score > *g.Score) {
			v := *row.Score
			g.Score = &v
		}
	}

	rep.Genera = make([]Genus, 0, len(genera))
	for _, g := range genera {
		sort.SliceStable(g.Species, func(i, j int) bool {
			return rowLess(&g.Species[i], &g.Species[j])
		})
		if g.Row != nil && g.Score != nil {
			v := *g.Score
			g.Row.Score = &v
		}
		rep.Genera = append(rep.Genera, *g)
	}
	sort.SliceStable(rep.Genera, func(i, j int) bool {
		a, b := rep.Genera[i], rep.Genera[j]
		if (a.Score == nil) != (b.Score == nil) {
			return a.Score != nil
		}
		if a.Score != nil && *a.Score != *b.Score {
			return *a.Score > *b.Score
		}
		return a.TaxID < b.TaxID
	})
}

// rowLess orders scored rows by the selector's ranking and puts excluded rows last
func rowLess(a, b *Row) bool {
	if (a.Score == nil) != (b.Score == nil) {
		return a.Score != nil
	}
	if a.Score == nil {
		return a.TaxID < b.TaxID
	}
	return highlight.Less(candidate(a), candidate(b))
}

// String summarizes the report on one line
func (r *Report) String() string {
	return fmt.Sprintf("run %d vs background %s (%d) at %s with %s: %d genera, %d highlighted, %d warnings",
		r.RunID, r.BackgroundName, r.BackgroundID, r.VersionLabel, r.Model,
		len(r.Genera), len(r.Highlighted), len(r.Warnings))
}
