package lineage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	qtest "github.com/teranos/taxscore/internal/testing"
	"github.com/teranos/taxscore/taxon"
)

// ecoli builds an E. coli lineage record valid over [start, end]
func ecoli(start, end string) Record {
	rec := SentinelRecord(562)
	rec.VersionStart, rec.VersionEnd = start, end
	rec.Ancestors[taxon.Species.Index()] = taxon.RankEntry{TaxID: 562, Name: "Escherichia coli"}
	rec.Ancestors[taxon.Genus.Index()] = taxon.RankEntry{TaxID: 561, Name: "Escherichia"}
	rec.Ancestors[taxon.Family.Index()] = taxon.RankEntry{TaxID: 543, Name: "Enterobacteriaceae"}
	rec.Ancestors[taxon.Order.Index()] = taxon.RankEntry{TaxID: 91347, Name: "Enterobacterales"}
	rec.Ancestors[taxon.Class.Index()] = taxon.RankEntry{TaxID: 1236, Name: "Gammaproteobacteria"}
	rec.Ancestors[taxon.Phylum.Index()] = taxon.RankEntry{TaxID: 1224, Name: "Proteobacteria"}
	rec.Ancestors[taxon.Superkingdom.Index()] = taxon.RankEntry{TaxID: 2, Name: "Bacteria"}
	return rec
}

type countingGaps struct{ n atomic.Int64 }

func (c *countingGaps) RecordLineageGap() { c.n.Add(1) }

func TestLexicalOrder(t *testing.T) {
	o := LexicalOrder{}
	assert.Equal(t, -1, o.Compare("2020-01-01", "2021-01-01"))
	assert.Equal(t, 0, o.Compare("2020-01-01", "2020-01-01"))
	assert.Error(t, o.Validate(" "))
}

func TestSemverOrder(t *testing.T) {
	o := SemverOrder{}
	require.NoError(t, o.Validate("1.10.0"))
	// Lexically "1.10.0" < "1.9.0", numerically it is not
	assert.Equal(t, 1, o.Compare("1.10.0", "1.9.0"))
	err := o.Validate("not-a-version")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestNewOrder(t *testing.T) {
	o, err := NewOrder("")
	require.NoError(t, err)
	assert.Equal(t, "lexical", o.Name())

	o, err = NewOrder("semver")
	require.NoError(t, err)
	assert.Equal(t, "semver", o.Name())

	_, err = NewOrder("calendar")
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	rec := ecoli("2020-01-01", "2020-12-31")
	assert.Equal(t, taxon.Species, rec.TaxLevel())
	assert.Equal(t, "Escherichia coli", rec.Name())
	assert.Equal(t, int64(561), rec.Ancestor(taxon.Genus).TaxID)
	assert.Equal(t, taxon.MissingKingdomID, rec.Ancestor(taxon.Kingdom).TaxID)
	assert.False(t, rec.IsSentinel())
	require.NoError(t, rec.Validate(LexicalOrder{}))

	sentinel := SentinelRecord(562)
	assert.True(t, sentinel.IsSentinel())
	assert.Equal(t, taxon.Rank(0), sentinel.TaxLevel())

	inverted := ecoli("2021-01-01", "2020-01-01")
	assert.Error(t, inverted.Validate(LexicalOrder{}))

	unset := ecoli("2020-01-01", "2020-12-31")
	unset.Ancestors[taxon.Order.Index()] = taxon.RankEntry{}
	assert.Error(t, unset.Validate(LexicalOrder{}))
}

func TestIndexLookup(t *testing.T) {
	first := ecoli("2019-01-01", "2019-12-31")
	second := ecoli("2021-01-01", "2021-12-31")
	second.Ancestors[taxon.Genus.Index()].Name = "Escherichia (renamed)"

	ix, err := NewIndex(LexicalOrder{}, []Record{second, first})
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, []int64{562}, ix.TaxIDs())

	tests := []struct {
		label     string
		wantFound bool
		wantGenus string
	}{
		{label: "2018-06-01", wantFound: false},
		{label: "2019-01-01", wantFound: true, wantGenus: "Escherichia"},
		{label: "2019-12-31", wantFound: true, wantGenus: "Escherichia"},
		{label: "2020-06-01", wantFound: false},
		{label: "2021-01-01", wantFound: true, wantGenus: "Escherichia (renamed)"},
		{label: "2021-12-31", wantFound: true, wantGenus: "Escherichia (renamed)"},
		{label: "2022-01-01", wantFound: false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			rec, ok := ix.Lookup(562, tt.label)
			assert.Equal(t, tt.wantFound, ok)
			if ok {
				assert.Equal(t, tt.wantGenus, rec.Ancestor(taxon.Genus).Name)
			}
		})
	}

	_, ok := ix.Lookup(9999, "2019-06-01")
	assert.False(t, ok)
}

func TestIndexWith_RejectsOverlap(t *testing.T) {
	ix, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31")})
	require.NoError(t, err)

	tests := []struct {
		name  string
		batch []Record
	}{
		{name: "shared boundary", batch: []Record{ecoli("2019-12-31", "2020-12-31")}},
		{name: "contained", batch: []Record{ecoli("2019-03-01", "2019-04-01")}},
		{name: "covering", batch: []Record{ecoli("2018-01-01", "2020-01-01")}},
		{name: "within batch", batch: []Record{ecoli("2020-01-01", "2020-06-30"), ecoli("2020-06-01", "2020-12-31")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ix.With(tt.batch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOverlap))
			assert.True(t, errors.IsConflictError(err))
		})
	}

	// The original snapshot is unchanged
	assert.Equal(t, 1, ix.Len())
	assert.Len(t, ix.Ranges(562), 1)

	next, err := ix.With([]Record{ecoli("2020-01-01", "2020-12-31")})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Len())
	assert.Len(t, ix.Ranges(562), 1)
}

func TestIndex_AtMostOneMatch(t *testing.T) {
	records := []Record{
		ecoli("2018-01-01", "2018-06-30"),
		ecoli("2018-07-01", "2018-12-31"),
		ecoli("2019-03-01", "2019-09-30"),
	}
	ix, err := NewIndex(LexicalOrder{}, records)
	require.NoError(t, err)

	for month := 1; month <= 24; month++ {
		label := fmt.Sprintf("%d-%02d-15", 2018+(month-1)/12, (month-1)%12+1)
		matches := 0
		for _, rec := range ix.Ranges(562) {
			if rec.Covers(LexicalOrder{}, label) {
				matches++
			}
		}
		assert.LessOrEqual(t, matches, 1, label)

		_, found := ix.Lookup(562, label)
		assert.Equal(t, matches == 1, found, label)
	}
}

func TestResolver_Gap(t *testing.T) {
	ix, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31")})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	gaps := &countingGaps{}
	r := NewResolver(ix, gaps, zap.New(core).Sugar())

	rec, err := r.Resolve(562, "2019-05-05")
	require.NoError(t, err)
	assert.Equal(t, "Escherichia coli", rec.Name())

	rec, err = r.Resolve(562, "2020-05-05")
	require.Error(t, err)
	assert.True(t, IsGap(err))
	var gap *GapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(562), gap.TaxID)
	assert.Equal(t, "2020-05-05", gap.VersionLabel)
	assert.True(t, rec.IsSentinel())
	assert.Equal(t, int64(562), rec.TaxID)

	assert.Equal(t, int64(1), gaps.n.Load())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(562), logs.All()[0].ContextMap()["taxid"])
}

func TestResolver_InvalidLabelIsFatal(t *testing.T) {
	ix, err := NewIndex(SemverOrder{}, nil)
	require.NoError(t, err)
	r := NewResolver(ix, nil, zaptest.NewLogger(t).Sugar())

	_, err = r.Resolve(562, "yesterday")
	require.Error(t, err)
	assert.False(t, IsGap(err))
}

func TestResolver_ResolveMany(t *testing.T) {
	ix, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31")})
	require.NoError(t, err)
	r := NewResolver(ix, nil, zaptest.NewLogger(t).Sugar())

	out, gaps, err := r.ResolveMany([]int64{562, 1280, 562}, "2019-02-02")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(1280), gaps[0].TaxID)
	assert.True(t, out[1280].IsSentinel())
	assert.False(t, out[562].IsSentinel())
}

func TestResolver_ConcurrentReadsDuringSwap(t *testing.T) {
	ix, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31")})
	require.NoError(t, err)
	r := NewResolver(ix, nil, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				rec, err := r.Resolve(562, "2019-06-01")
				assert.NoError(t, err)
				assert.Equal(t, int64(561), rec.Ancestor(taxon.Genus).TaxID)
			}
		}()
	}
	for k := 0; k < 20; k++ {
		next, err := r.Index().With([]Record{ecoli(fmt.Sprintf("%d-01-01", 2030+k), fmt.Sprintf("%d-12-31", 2030+k))})
		require.NoError(t, err)
		r.Swap(next)
	}
	wg.Wait()
	assert.Equal(t, 21, r.Index().Len())
}

func TestStore_PublishAndLoad(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()

	store := NewStore(db, LexicalOrder{}, nil, log)
	require.NoError(t, store.Load(ctx))

	v1 := ReferenceVersion{Name: "nt-2019", LineageVersion: "2019-01-01", Locator: "s3://ref/2019"}
	require.NoError(t, store.PublishVersion(ctx, v1, []Record{ecoli("2019-01-01", "2019-12-31")}))

	rec, err := store.Resolver().Resolve(562, "2019-07-01")
	require.NoError(t, err)
	assert.Equal(t, "Enterobacteriaceae", rec.Ancestor(taxon.Family).Name)

	// A fresh store sees the same data after Load
	reloaded := NewStore(db, LexicalOrder{}, nil, log)
	require.NoError(t, reloaded.Load(ctx))
	rec, err = reloaded.Resolver().Resolve(562, "2019-07-01")
	require.NoError(t, err)
	assert.Equal(t, ecoli("2019-01-01", "2019-12-31"), rec)

	got, err := store.GetVersion(ctx, "nt-2019")
	require.NoError(t, err)
	assert.Equal(t, v1, *got)

	_, err = store.GetVersion(ctx, "nt-1999")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_OverlapAbortsWholeBatch(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db, LexicalOrder{}, nil, zaptest.NewLogger(t).Sugar())

	require.NoError(t, store.PublishVersion(ctx,
		ReferenceVersion{Name: "v1", LineageVersion: "2019-01-01"},
		[]Record{ecoli("2019-01-01", "2019-12-31")}))

	staph := SentinelRecord(1280)
	staph.VersionStart, staph.VersionEnd = "2020-01-01", "2020-12-31"
	staph.Ancestors[taxon.Species.Index()] = taxon.RankEntry{TaxID: 1280, Name: "Staphylococcus aureus"}

	err := store.PublishVersion(ctx,
		ReferenceVersion{Name: "v2", LineageVersion: "2020-01-01"},
		[]Record{staph, ecoli("2019-06-01", "2020-12-31")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlap))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM taxon_lineages").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM reference_versions").Scan(&count))
	assert.Equal(t, 1, count)

	_, err = store.Resolver().Resolve(1280, "2020-06-01")
	assert.True(t, IsGap(err), "rejected batch must not reach the index")
}

func TestStore_DuplicateVersionName(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db, LexicalOrder{}, nil, zaptest.NewLogger(t).Sugar())

	ref := ReferenceVersion{Name: "v1", LineageVersion: "2019-01-01"}
	require.NoError(t, store.PublishVersion(ctx, ref, nil))
	err := store.PublishVersion(ctx, ref, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestStore_ListVersionsUsesOrder(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db, SemverOrder{}, nil, zaptest.NewLogger(t).Sugar())

	for _, v := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		require.NoError(t, store.PublishVersion(ctx, ReferenceVersion{Name: "nt-" + v, LineageVersion: v}, nil))
	}

	refs, err := store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"1.2.0", "1.9.1", "1.10.0"},
		[]string{refs[0].LineageVersion, refs[1].LineageVersion, refs[2].LineageVersion})
}

func TestStore_PublishRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reference_versions").
		WithArgs("v1", "2019-01-01", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM taxon_lineages WHERE taxid IN").
		WithArgs(int64(562)).
		WillReturnRows(sqlmock.NewRows(lineageColumns()))
	mock.ExpectPrepare("INSERT INTO taxon_lineages").
		ExpectExec().
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	store := NewStore(db, LexicalOrder{}, nil, zaptest.NewLogger(t).Sugar())
	err = store.PublishVersion(context.Background(),
		ReferenceVersion{Name: "v1", LineageVersion: "2019-01-01"},
		[]Record{ecoli("2019-01-01", "2019-12-31")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, store.Resolver().Index().Len())
}

func TestStore_PublishSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lineage.db")

	// Two connections to one file behave like two taxscore processes
	open := func() *Store {
		conn, err := db.OpenWithMigrations(path, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		store := NewStore(conn, LexicalOrder{}, nil, zaptest.NewLogger(t).Sugar())
		require.NoError(t, store.Load(ctx))
		return store
	}
	first, second := open(), open()

	require.NoError(t, first.PublishVersion(ctx,
		ReferenceVersion{Name: "nt-2020", LineageVersion: "2020-01-01"},
		[]Record{ecoli("2020-01-01", "2020-12-31")}))

	err := second.PublishVersion(ctx,
		ReferenceVersion{Name: "nt-2020-06", LineageVersion: "2020-06-01"},
		[]Record{ecoli("2020-06-01", "2021-01-31")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlap))
	assert.True(t, errors.IsConflictError(err))

	// The rejected batch left nothing behind, so a fresh load still succeeds
	fresh := open()
	assert.Equal(t, 1, fresh.Resolver().Index().Len())
	_, err = fresh.GetVersion(ctx, "nt-2020-06")
	assert.True(t, errors.IsNotFoundError(err))

	// A later publish folds the other writer's range into the live index
	require.NoError(t, second.PublishVersion(ctx,
		ReferenceVersion{Name: "nt-2021", LineageVersion: "2021-01-01"},
		[]Record{ecoli("2021-01-01", "2021-12-31")}))
	assert.Equal(t, 2, second.Resolver().Index().Len())
	_, err = second.Resolver().Resolve(562, "2020-03-01")
	require.NoError(t, err)
	_, err = second.Resolver().Resolve(562, "2021-06-01")
	require.NoError(t, err)

	require.NoError(t, open().Load(ctx))
}

func TestIndexAdopt(t *testing.T) {
	staph := SentinelRecord(1280)
	staph.VersionStart, staph.VersionEnd = "2019-01-01", "2019-12-31"

	live, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31"), staph})
	require.NoError(t, err)
	stored, err := NewIndex(LexicalOrder{}, []Record{ecoli("2019-01-01", "2019-12-31"), ecoli("2020-01-01", "2020-12-31")})
	require.NoError(t, err)

	next := live.Adopt(stored)
	assert.Equal(t, 3, next.Len())
	assert.Len(t, next.Ranges(562), 2)
	assert.Len(t, next.Ranges(1280), 1)
	assert.Equal(t, 2, live.Len(), "adopt leaves the receiver untouched")
}

func TestReadRecords(t *testing.T) {
	input := strings.Join([]string{
		`# exported 2020-01-01`,
		`{"taxid": 562, "species_taxid": 562, "species_name": "Escherichia coli", "genus_taxid": 561, "genus_name": "Escherichia", "family_taxid": 543, "superkingdom_taxid": 2}`,
		``,
		`{"taxid": 10710, "version_start": "2019-01-01", "version_end": "2019-12-31", "species_taxid": 10710, "family_taxid": 10699, "superkingdom_taxid": 10239}`,
	}, "\n")

	records, err := ReadRecords(strings.NewReader(input), "2020-01-01", "2020-12-31")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "2020-01-01", records[0].VersionStart)
	assert.Equal(t, "Escherichia", records[0].Ancestor(taxon.Genus).Name)
	assert.Equal(t, taxon.MissingOrderID, records[0].Ancestor(taxon.Order).TaxID)
	assert.False(t, records[0].IsPhage)

	assert.Equal(t, "2019-12-31", records[1].VersionEnd)
	assert.True(t, records[1].IsPhage, "lambda phage family marks the record as phage")

	_, err = ReadRecords(strings.NewReader(`{"taxid": "x"}`), "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestBuildTree(t *testing.T) {
	records := map[int64]Record{
		561: ecoli("2019-01-01", "2019-12-31"),
		620: func() Record {
			r := ecoli("2019-01-01", "2019-12-31")
			r.TaxID = 620
			r.Ancestors[taxon.Genus.Index()] = taxon.RankEntry{TaxID: 620, Name: "Shigella"}
			return r
		}(),
	}

	tree := BuildTree(records)
	// Both genera share one superkingdom..family path
	assert.Len(t, tree, 6)

	root, ok := tree["2"]
	require.True(t, ok)
	assert.Equal(t, TreeNode{Name: "Bacteria", Rank: "superkingdom"}, root)

	family, ok := tree["2:-650:1224:1236:91347:543"]
	require.True(t, ok)
	assert.Equal(t, "2:-650:1224:1236:91347", family.Parent)
	assert.Equal(t, "family", family.Rank)

	assert.Equal(t, "2", tree.Keys()[0])
}
