package background

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/taxon"
)

// Store persists backgrounds, their membership and their summaries
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a background store
func NewStore(conn *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	return &Store{db: conn, logger: log}
}

// Create inserts a background and its membership. Membership cannot change afterwards.
func (s *Store) Create(ctx context.Context, bg *Background) error {
	name := strings.TrimSpace(bg.Name)
	if name == "" {
		return errors.NewInvalidRequestError("background name cannot be empty")
	}
	members := normalizeMembers(bg.MemberRunIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO backgrounds (name, description, mass_normalized) VALUES (?, ?, ?)`,
		name, bg.Description, bg.MassNormalized)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("background %q already exists", name)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create background %s", name)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read background id")
	}

	for _, runID := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO background_members (background_id, pipeline_run_id) VALUES (?, ?)`,
			id, runID); err != nil {
			if db.IsForeignKeyViolation(err) {
				return errors.NewNotFoundError("pipeline run %d does not exist", runID)
			}
			return errors.Wrapf(err, "failed to add run %d to background %s", runID, name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit background")
	}

	bg.ID = id
	bg.Name = name
	bg.MemberRunIDs = members
	s.logger.Infow("Created background",
		logger.FieldBackgroundID, id,
		"name", name,
		"members", len(members),
	)
	return nil
}

// Get returns a background with its membership
func (s *Store) Get(ctx context.Context, id int64) (*Background, error) {
	return s.getBy(ctx, "id = ?", id)
}

// GetByName returns a background by its unique name
func (s *Store) GetByName(ctx context.Context, name string) (*Background, error) {
	return s.getBy(ctx, "name = ?", name)
}

func (s *Store) getBy(ctx context.Context, where string, arg interface{}) (*Background, error) {
	var (
		bg      Background
		builtAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, mass_normalized, created_at, built_at FROM backgrounds WHERE `+where, arg,
	).Scan(&bg.ID, &bg.Name, &bg.Description, &bg.MassNormalized, &bg.CreatedAt, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrBackgroundNotFound, "%v", arg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get background %v", arg)
	}
	if builtAt.Valid {
		t := builtAt.Time
		bg.BuiltAt = &t
	}

	members, err := s.members(ctx, bg.ID)
	if err != nil {
		return nil, err
	}
	bg.MemberRunIDs = members
	return &bg, nil
}

func (s *Store) members(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline_run_id FROM background_members WHERE background_id = ? ORDER BY pipeline_run_id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list members of background %d", id)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var runID int64
		if err := rows.Scan(&runID); err != nil {
			return nil, errors.Wrap(err, "failed to scan member")
		}
		members = append(members, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate members")
	}
	return members, nil
}

// List returns every background without membership, ordered by id
func (s *Store) List(ctx context.Context) ([]Background, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, mass_normalized, created_at, built_at FROM backgrounds ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list backgrounds")
	}
	defer rows.Close()

	var out []Background
	for rows.Next() {
		var (
			bg      Background
			builtAt sql.NullTime
		)
		if err := rows.Scan(&bg.ID, &bg.Name, &bg.Description, &bg.MassNormalized, &bg.CreatedAt, &builtAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan background")
		}
		if builtAt.Valid {
			t := builtAt.Time
			bg.BuiltAt = &t
		}
		out = append(out, bg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate backgrounds")
	}
	return out, nil
}

// ReplaceSummaries swaps a background's summaries for a freshly built set in
// one transaction and stamps built_at
func (s *Store) ReplaceSummaries(ctx context.Context, backgroundID int64, summaries []TaxonSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM taxon_summaries WHERE background_id = ?`, backgroundID); err != nil {
		return errors.Wrapf(err, "failed to clear summaries for background %d", backgroundID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO taxon_summaries (background_id, taxid, count_type, tax_level, mean, stdev, value_list)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare summary insert")
	}
	defer stmt.Close()

	for _, summary := range summaries {
		values, err := json.Marshal(summary.ValueList)
		if err != nil {
			return errors.Wrapf(err, "failed to encode value_list for taxid %d", summary.TaxID)
		}
		if _, err := stmt.ExecContext(ctx,
			backgroundID, summary.TaxID, string(summary.CountType), int(summary.TaxLevel),
			summary.Mean, summary.Stdev, string(values),
		); err != nil {
			return errors.Wrapf(err, "failed to insert summary for taxid %d", summary.TaxID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE backgrounds SET built_at = ? WHERE id = ?`, time.Now().UTC(), backgroundID); err != nil {
		return errors.Wrapf(err, "failed to stamp background %d", backgroundID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit summaries")
	}

	s.logger.Infow("Replaced background summaries",
		logger.FieldBackgroundID, backgroundID,
		logger.FieldCount, len(summaries),
	)
	return nil
}

const summaryColumns = `background_id, taxid, count_type, tax_level, mean, stdev, value_list`

// GetSummary returns the summary for one key
func (s *Store) GetSummary(ctx context.Context, backgroundID int64, key observation.Key) (*TaxonSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM taxon_summaries
		WHERE background_id = ? AND taxid = ? AND count_type = ? AND tax_level = ?`,
		backgroundID, key.TaxID, string(key.CountType), int(key.TaxLevel))

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no summary for taxid %d %s level %d in background %d",
			key.TaxID, key.CountType, key.TaxLevel, backgroundID)
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListSummaries returns a background's summaries in key order
func (s *Store) ListSummaries(ctx context.Context, backgroundID int64) ([]TaxonSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM taxon_summaries
		WHERE background_id = ? ORDER BY taxid, count_type, tax_level`, backgroundID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list summaries for background %d", backgroundID)
	}
	defer rows.Close()

	var out []TaxonSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate summaries")
	}
	return out, nil
}

// LoadSummaries returns a background's summaries indexed for the normalizer
func (s *Store) LoadSummaries(ctx context.Context, backgroundID int64) (SummarySet, error) {
	summaries, err := s.ListSummaries(ctx, backgroundID)
	if err != nil {
		return nil, err
	}
	return NewSummarySet(summaries), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (TaxonSummary, error) {
	var (
		summary   TaxonSummary
		countType string
		level     int
		values    string
	)
	if err := row.Scan(&summary.BackgroundID, &summary.TaxID, &countType, &level,
		&summary.Mean, &summary.Stdev, &values); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaxonSummary{}, err
		}
		return TaxonSummary{}, errors.Wrap(err, "failed to scan summary")
	}
	summary.CountType = taxon.CountType(countType)
	summary.TaxLevel = taxon.Rank(level)
	if err := json.Unmarshal([]byte(values), &summary.ValueList); err != nil {
		return TaxonSummary{}, errors.Wrapf(err, "corrupt value_list for taxid %d", summary.TaxID)
	}
	return summary, nil
}
