package lineage

import (
	"sort"

	"github.com/teranos/taxscore/errors"
)

// ErrOverlap is returned when a published range intersects an existing range for the same taxid
var ErrOverlap = errors.Mark(errors.New("lineage version ranges overlap"), errors.ErrConflict)

// Index is an immutable snapshot of every lineage record, grouped by taxid and
// sorted by version_start. Publishing builds a new Index; readers never lock.
type Index struct {
	order   Order
	byTaxID map[int64][]Record
	size    int
}

// NewIndex builds an index from records, rejecting invalid or overlapping ranges
func NewIndex(order Order, records []Record) (*Index, error) {
	return (&Index{order: order, byTaxID: map[int64][]Record{}}).With(records)
}

// Order returns the version order the index was built with
func (ix *Index) Order() Order {
	return ix.order
}

// Len returns the number of records in the index
func (ix *Index) Len() int {
	return ix.size
}

// TaxIDs returns every indexed taxid in ascending order
func (ix *Index) TaxIDs() []int64 {
	ids := make([]int64, 0, len(ix.byTaxID))
	for id := range ix.byTaxID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Ranges returns the records for taxid in version order. The slice must not be modified.
func (ix *Index) Ranges(taxid int64) []Record {
	return ix.byTaxID[taxid]
}

// Lookup finds the record for taxid whose range contains label.
// label must already be valid under the index order.
func (ix *Index) Lookup(taxid int64, label string) (Record, bool) {
	ranges := ix.byTaxID[taxid]
	// First range starting after label; the candidate is the one before it
	i := sort.Search(len(ranges), func(i int) bool {
		return ix.order.Compare(ranges[i].VersionStart, label) > 0
	})
	if i == 0 {
		return Record{}, false
	}
	candidate := ranges[i-1]
	if ix.order.Compare(label, candidate.VersionEnd) > 0 {
		return Record{}, false
	}
	return candidate, true
}

// With returns a new index containing ix's records plus records.
// ix itself is left untouched. Any invalid record or overlapping range fails the whole batch.
func (ix *Index) With(records []Record) (*Index, error) {
	touched := map[int64][]Record{}
	for _, rec := range records {
		if err := rec.Validate(ix.order); err != nil {
			return nil, err
		}
		if _, ok := touched[rec.TaxID]; !ok {
			touched[rec.TaxID] = append([]Record(nil), ix.byTaxID[rec.TaxID]...)
		}
		touched[rec.TaxID] = append(touched[rec.TaxID], rec)
	}

	for taxid, ranges := range touched {
		sort.SliceStable(ranges, func(i, j int) bool {
			return ix.order.Compare(ranges[i].VersionStart, ranges[j].VersionStart) < 0
		})
		for i := 1; i < len(ranges); i++ {
			if ranges[i-1].Overlaps(ix.order, ranges[i]) {
				return nil, errors.WithDetailf(
					errors.Wrapf(ErrOverlap, "taxid %d", taxid),
					"[%s, %s] overlaps [%s, %s]",
					ranges[i-1].VersionStart, ranges[i-1].VersionEnd,
					ranges[i].VersionStart, ranges[i].VersionEnd,
				)
			}
		}
	}

	next := &Index{
		order:   ix.order,
		byTaxID: make(map[int64][]Record, len(ix.byTaxID)+len(touched)),
		size:    ix.size + len(records),
	}
	for taxid, ranges := range ix.byTaxID {
		next.byTaxID[taxid] = ranges
	}
	for taxid, ranges := range touched {
		next.byTaxID[taxid] = ranges
	}
	return next, nil
}

// Adopt returns a new index with every taxid of other taking other's ranges.
// Publishing uses it to fold ranges read back from the database, including
// ones written by other processes, into the live snapshot.
func (ix *Index) Adopt(other *Index) *Index {
	next := &Index{
		order:   ix.order,
		byTaxID: make(map[int64][]Record, len(ix.byTaxID)+len(other.byTaxID)),
		size:    ix.size,
	}
	for taxid, ranges := range ix.byTaxID {
		next.byTaxID[taxid] = ranges
	}
	for taxid, ranges := range other.byTaxID {
		next.size += len(ranges) - len(next.byTaxID[taxid])
		next.byTaxID[taxid] = ranges
	}
	return next
}
