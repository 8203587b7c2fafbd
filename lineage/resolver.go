package lineage

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

// ErrLineageGap marks a lookup that no version range covers. It is non-fatal:
// the resolver still returns a sentinel record alongside it.
var ErrLineageGap = errors.New("no lineage range covers version")

// GapError describes a lineage gap for one taxid at one version label
type GapError struct {
	TaxID        int64
	VersionLabel string
}

func (e *GapError) Error() string {
	return fmt.Sprintf("lineage gap for taxid %d at version %s", e.TaxID, e.VersionLabel)
}

// Is lets errors.Is(err, ErrLineageGap) match any *GapError
func (e *GapError) Is(target error) bool {
	return target == ErrLineageGap
}

// IsGap reports whether err signals a lineage gap
func IsGap(err error) bool {
	return err != nil && errors.Is(err, ErrLineageGap)
}

// GapRecorder counts lineage gaps (satisfied by metrics.Registry)
type GapRecorder interface {
	RecordLineageGap()
}

// Resolver answers resolve(taxid, version_label) against the current index
// snapshot. It is safe for unbounded concurrent use.
type Resolver struct {
	index  atomic.Pointer[Index]
	gaps   GapRecorder
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver over ix. gaps may be nil.
func NewResolver(ix *Index, gaps GapRecorder, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = logger.Logger
	}
	r := &Resolver{gaps: gaps, logger: log}
	r.index.Store(ix)
	return r
}

// Index returns the current snapshot
func (r *Resolver) Index() *Index {
	return r.index.Load()
}

// Swap installs a new snapshot; in-flight lookups keep the one they loaded
func (r *Resolver) Swap(ix *Index) {
	r.index.Store(ix)
}

// Resolve returns the record for taxid whose range contains label.
//
// When no range covers label the sentinel record is returned together with a
// *GapError; callers treat that as a warning and continue with the sentinel.
// Any other error (an invalid label) is fatal for the lookup.
func (r *Resolver) Resolve(taxid int64, label string) (Record, error) {
	ix := r.index.Load()
	if err := ix.Order().Validate(label); err != nil {
		return Record{}, errors.Wrapf(err, "resolve taxid %d", taxid)
	}

	if rec, ok := ix.Lookup(taxid, label); ok {
		return rec, nil
	}

	if r.gaps != nil {
		r.gaps.RecordLineageGap()
	}
	r.logger.Warnw("Lineage gap, using sentinel ancestry",
		logger.FieldTaxID, taxid,
		logger.FieldVersionLabel, label,
	)
	return SentinelRecord(taxid), &GapError{TaxID: taxid, VersionLabel: label}
}

// ResolveMany resolves every taxid, collecting gaps instead of failing on them.
// The returned map holds a record (real or sentinel) for every requested taxid.
func (r *Resolver) ResolveMany(taxids []int64, label string) (map[int64]Record, []*GapError, error) {
	out := make(map[int64]Record, len(taxids))
	var gaps []*GapError
	for _, id := range taxids {
		if _, seen := out[id]; seen {
			continue
		}
		rec, err := r.Resolve(id, label)
		if err != nil {
			var gap *GapError
			if !errors.As(err, &gap) {
				return nil, nil, err
			}
			gaps = append(gaps, gap)
		}
		out[id] = rec
	}
	return out, gaps, nil
}
