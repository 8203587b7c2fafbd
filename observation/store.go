package observation

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/taxon"
)

// ErrRunNotFound is returned for an unknown pipeline run id
var ErrRunNotFound = errors.Mark(errors.New("pipeline run not found"), errors.ErrNotFound)

const observationColumns = `pipeline_run_id, taxid, tax_level, count_type, count, rpm, bpm,
	percent_identity, alignment_length, e_value, genus_taxid, family_taxid, superkingdom_taxid`

// Store persists pipeline runs and their taxon observations
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates an observation store
func NewStore(conn *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: conn, logger: log}
}

// SaveRun inserts a pipeline run. Runs are immutable; saving an existing id is a conflict.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	if run.ID <= 0 {
		return errors.NewInvalidRequestError("pipeline run id must be positive, got %d", run.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, name, total_reads, total_ercc_reads, subsample_fraction,
			total_bases, fraction_subsampled_bases)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.TotalReads, run.TotalERCCReads, run.SubsampleFraction,
		run.TotalBases, run.FractionSubsampledBases,
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("pipeline run %d already exists", run.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to save pipeline run %d", run.ID)
	}
	return nil
}

// GetRun returns a pipeline run by id
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, total_reads, total_ercc_reads, subsample_fraction, total_bases, fraction_subsampled_bases
		FROM pipeline_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Name, &run.TotalReads, &run.TotalERCCReads, &run.SubsampleFraction,
		&run.TotalBases, &run.FractionSubsampledBases)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRunNotFound, "run %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pipeline run %d", id)
	}
	return &run, nil
}

// SaveObservations inserts observations for runID in one transaction.
// Every row's RunID is set to runID.
func (s *Store) SaveObservations(ctx context.Context, runID int64, obs []Observation) error {
	for i := range obs {
		obs[i].RunID = runID
		if err := obs[i].Validate(); err != nil {
			return errors.Wrapf(err, "observation %d", i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO taxon_observations (`+observationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare observation insert")
	}
	defer stmt.Close()

	for _, o := range obs {
		_, err := stmt.ExecContext(ctx,
			o.RunID, o.TaxID, int(o.TaxLevel), string(o.CountType), o.Count, o.RPM, o.BPM,
			o.PercentIdentity, o.AlignmentLength, o.EValue, o.GenusTaxID, o.FamilyTaxID, o.SuperkingdomTaxID,
		)
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("run %d already has a %s observation for taxid %d at %s",
				runID, o.CountType, o.TaxID, o.TaxLevel)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to insert observation for taxid %d", o.TaxID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit observations")
	}

	s.logger.Infow("Saved observations",
		logger.FieldRunID, runID,
		logger.FieldCount, len(obs),
	)
	return nil
}

// ListForRun returns a run's observations ordered by taxid, level and count type.
// When levels is non-empty only those tax levels are returned.
func (s *Store) ListForRun(ctx context.Context, runID int64, levels ...taxon.Rank) ([]Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM taxon_observations WHERE pipeline_run_id = ?`
	args := []interface{}{runID}
	if len(levels) > 0 {
		query += ` AND tax_level IN (?` + strings.Repeat(", ?", len(levels)-1) + `)`
		for _, l := range levels {
			args = append(args, int(l))
		}
	}
	query += ` ORDER BY taxid, tax_level, count_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query observations for run %d", runID)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate observations for run %d", runID)
	}
	return out, nil
}

func scanObservation(rows *sql.Rows) (Observation, error) {
	var (
		o         Observation
		level     int
		countType string
	)
	err := rows.Scan(&o.RunID, &o.TaxID, &level, &countType, &o.Count, &o.RPM, &o.BPM,
		&o.PercentIdentity, &o.AlignmentLength, &o.EValue, &o.GenusTaxID, &o.FamilyTaxID, &o.SuperkingdomTaxID)
	if err != nil {
		return Observation{}, errors.Wrap(err, "failed to scan observation")
	}
	o.TaxLevel = taxon.Rank(level)
	o.CountType = taxon.CountType(countType)
	return o, nil
}
