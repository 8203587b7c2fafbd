package lineage

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/taxon"
)

// ErrVersionNotFound is returned for an unknown reference version name
var ErrVersionNotFound = errors.Mark(errors.New("reference version not found"), errors.ErrNotFound)

// Store persists reference versions and lineage records, and keeps the
// resolver's in-memory index in step with the database. Publishing is
// serialized; reads go through the resolver and never touch the database.
type Store struct {
	db       *sql.DB
	resolver *Resolver
	logger   *zap.SugaredLogger

	writeMu sync.Mutex
}

// NewStore creates a store with an empty index. Call Load to hydrate it.
func NewStore(conn *sql.DB, order Order, gaps GapRecorder, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Logger
	}
	empty, _ := NewIndex(order, nil)
	return &Store{
		db:       conn,
		resolver: NewResolver(empty, gaps, log),
		logger:   log,
	}
}

// Resolver returns the resolver backed by this store
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// lineageColumns lists the taxon_lineages columns in scan order
func lineageColumns() []string {
	cols := []string{"taxid", "version_start", "version_end", "is_phage"}
	for _, rank := range taxon.Ranks {
		name := rank.String()
		cols = append(cols, name+"_taxid", name+"_name", name+"_common_name")
	}
	return cols
}

// Load reads every lineage record and installs a fresh index snapshot
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	records, err := s.readAll(ctx)
	if err != nil {
		return err
	}

	ix, err := NewIndex(s.resolver.Index().Order(), records)
	if err != nil {
		return errors.Wrap(err, "stored lineage ranges are inconsistent")
	}
	s.resolver.Swap(ix)

	s.logger.Infow("Lineage index loaded",
		logger.FieldCount, ix.Len(),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *Store) readAll(ctx context.Context) ([]Record, error) {
	return queryRecords(ctx, s.db, "", nil)
}

// publishChunk bounds the taxids bound into one IN clause
const publishChunk = 500

// readTaxIDs returns the stored records for taxids as seen by q
func readTaxIDs(ctx context.Context, q queryer, taxids []int64) ([]Record, error) {
	var records []Record
	for start := 0; start < len(taxids); start += publishChunk {
		chunk := taxids[start:min(start+publishChunk, len(taxids))]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		where := ` WHERE taxid IN (?` + strings.Repeat(", ?", len(chunk)-1) + `)`
		got, err := queryRecords(ctx, q, where, args)
		if err != nil {
			return nil, err
		}
		records = append(records, got...)
	}
	return records, nil
}

func queryRecords(ctx context.Context, q queryer, where string, args []interface{}) ([]Record, error) {
	query := `SELECT ` + strings.Join(lineageColumns(), ", ") + ` FROM taxon_lineages` + where + ` ORDER BY taxid, id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query taxon_lineages")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate taxon_lineages")
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	targets := []interface{}{&rec.TaxID, &rec.VersionStart, &rec.VersionEnd, &rec.IsPhage}
	for i := range rec.Ancestors {
		a := &rec.Ancestors[i]
		targets = append(targets, &a.TaxID, &a.Name, &a.CommonName)
	}
	if err := rows.Scan(targets...); err != nil {
		return Record{}, errors.Wrap(err, "failed to scan lineage record")
	}
	return rec, nil
}

// PublishVersion records a new reference version and appends its lineage
// records in one transaction. Records overlapping a stored range for the
// same taxid abort the whole batch with ErrOverlap; nothing is written.
//
// The overlap check runs against the database inside the transaction, so
// publishers in other processes are seen too.
func (s *Store) PublishVersion(ctx context.Context, ref ReferenceVersion, records []Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.resolver.Index()
	order := current.Order()
	if err := order.Validate(ref.LineageVersion); err != nil {
		return errors.Wrapf(err, "reference version %q", ref.Name)
	}
	if strings.TrimSpace(ref.Name) == "" {
		return errors.NewInvalidRequestError("reference version name cannot be empty")
	}

	// The snapshot only ever lags the database, so an overlap here is final
	if _, err := current.With(records); err != nil {
		return errors.Wrapf(err, "publish %s", ref.Name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin publish transaction")
	}
	defer tx.Rollback()

	// Writing first takes the database write lock before the ranges are read
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reference_versions (name, lineage_version, locator) VALUES (?, ?, ?)`,
		ref.Name, ref.LineageVersion, ref.Locator,
	); err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewConflictError("reference version %q already published", ref.Name)
		}
		return errors.Wrapf(err, "failed to insert reference version %s", ref.Name)
	}

	stored, err := readTaxIDs(ctx, tx, batchTaxIDs(records))
	if err != nil {
		return err
	}
	base, err := NewIndex(order, stored)
	if err != nil {
		return errors.Wrap(err, "stored lineage ranges are inconsistent")
	}
	fresh, err := base.With(records)
	if err != nil {
		return errors.Wrapf(err, "publish %s", ref.Name)
	}

	cols := lineageColumns()
	insert := `INSERT INTO taxon_lineages (` + strings.Join(cols, ", ") + `) VALUES (?` +
		strings.Repeat(", ?", len(cols)-1) + `)`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return errors.Wrap(err, "failed to prepare lineage insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		args := []interface{}{rec.TaxID, rec.VersionStart, rec.VersionEnd, rec.IsPhage}
		for _, a := range rec.Ancestors {
			args = append(args, a.TaxID, a.Name, a.CommonName)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			if db.IsUniqueViolation(err) {
				return errors.Wrapf(ErrOverlap, "taxid %d shares a range boundary with a stored record", rec.TaxID)
			}
			return errors.Wrapf(err, "failed to insert lineage for taxid %d", rec.TaxID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit publish")
	}

	s.resolver.Swap(s.resolver.Index().Adopt(fresh))
	s.logger.Infow("Published reference version",
		"reference", ref.Name,
		logger.FieldVersionLabel, ref.LineageVersion,
		logger.FieldCount, len(records),
	)
	return nil
}

// batchTaxIDs returns the distinct taxids of records in ascending order
func batchTaxIDs(records []Record) []int64 {
	seen := make(map[int64]bool, len(records))
	var ids []int64
	for _, rec := range records {
		if !seen[rec.TaxID] {
			seen[rec.TaxID] = true
			ids = append(ids, rec.TaxID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetVersion returns a reference version by name
func (s *Store) GetVersion(ctx context.Context, name string) (*ReferenceVersion, error) {
	var ref ReferenceVersion
	err := s.db.QueryRowContext(ctx,
		`SELECT name, lineage_version, locator FROM reference_versions WHERE name = ?`, name,
	).Scan(&ref.Name, &ref.LineageVersion, &ref.Locator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrVersionNotFound, "%s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get reference version %s", name)
	}
	return &ref, nil
}

// ListVersions returns all reference versions ordered by lineage version
func (s *Store) ListVersions(ctx context.Context) ([]ReferenceVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, lineage_version, locator FROM reference_versions ORDER BY created_at, name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reference versions")
	}
	defer rows.Close()

	var refs []ReferenceVersion
	for rows.Next() {
		var ref ReferenceVersion
		if err := rows.Scan(&ref.Name, &ref.LineageVersion, &ref.Locator); err != nil {
			return nil, errors.Wrap(err, "failed to scan reference version")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate reference versions")
	}

	order := s.resolver.Index().Order()
	sortVersions(refs, order)
	return refs, nil
}

func sortVersions(refs []ReferenceVersion, order Order) {
	sort.SliceStable(refs, func(i, j int) bool {
		return order.Compare(refs[i].LineageVersion, refs[j].LineageVersion) < 0
	})
}
