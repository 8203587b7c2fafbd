package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/taxscore/errors"
	qtest "github.com/teranos/taxscore/internal/testing"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/pulse/async"
	"github.com/teranos/taxscore/taxon"
)

var (
	keyX = observation.Key{TaxID: 562, CountType: taxon.NT, TaxLevel: taxon.Species}
	keyY = observation.Key{TaxID: 1280, CountType: taxon.NR, TaxLevel: taxon.Species}
)

type fakeSource struct {
	mu   sync.Mutex
	runs map[int64][]observation.Observation
	err  error
	seen []int64
}

func (f *fakeSource) ListForRun(_ context.Context, runID int64, _ ...taxon.Rank) ([]observation.Observation, error) {
	f.mu.Lock()
	f.seen = append(f.seen, runID)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.runs[runID], nil
}

func obs(runID int64, key observation.Key, rpm, bpm float64) observation.Observation {
	return observation.Observation{RunID: runID, TaxID: key.TaxID, TaxLevel: key.TaxLevel, CountType: key.CountType, RPM: rpm, BPM: bpm, Count: 1}
}

func threeRunSource() *fakeSource {
	return &fakeSource{runs: map[int64][]observation.Observation{
		1: {obs(1, keyX, 10, 1)},
		2: {obs(2, keyX, 20, 2)},
		3: {obs(3, keyX, 30, 3), obs(3, keyY, 5, 7)},
	}}
}

func TestSummarize(t *testing.T) {
	mean, stdev := Summarize([]float64{10, 20, 30})
	assert.Equal(t, 20.0, mean)
	assert.InDelta(t, 8.16496580927726, stdev, 1e-12)

	mean, stdev = Summarize([]float64{4, 4, 4})
	assert.Equal(t, 4.0, mean)
	assert.Equal(t, 0.0, stdev)

	mean, stdev = Summarize(nil)
	assert.Zero(t, mean)
	assert.Zero(t, stdev)
}

func TestBuilder_Build(t *testing.T) {
	builder := NewBuilder(threeRunSource(), 2, zaptest.NewLogger(t).Sugar())
	bg := &Background{ID: 9, MemberRunIDs: []int64{3, 1, 2, 3}}

	var calls []int
	summaries, err := builder.Build(context.Background(), bg, func(done, total int) {
		assert.Equal(t, 3, total)
		calls = append(calls, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)

	require.Len(t, summaries, 2)
	x, y := summaries[0], summaries[1]

	assert.Equal(t, keyX, x.Key)
	assert.Equal(t, int64(9), x.BackgroundID)
	assert.Equal(t, []float64{10, 20, 30}, x.ValueList)
	assert.Equal(t, 20.0, x.Mean)
	assert.InDelta(t, 8.1649658, x.Stdev, 1e-6)

	assert.Equal(t, keyY, y.Key)
	assert.Equal(t, []float64{0, 0, 5}, y.ValueList, "members lacking the taxon contribute zero")
}

func TestBuilder_LogsMembersAndSkippedCountTypes(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	source := &fakeSource{runs: map[int64][]observation.Observation{
		1: {obs(1, keyX, 10, 1), {RunID: 1, TaxID: 9606, TaxLevel: taxon.Species, CountType: taxon.CountType("xx"), RPM: 99}},
		2: {obs(2, keyX, 20, 2)},
	}}
	builder := NewBuilder(source, 1, zap.New(core).Sugar())

	summaries, err := builder.Build(context.Background(), &Background{ID: 4, MemberRunIDs: []int64{2, 1, 2}}, nil)
	require.NoError(t, err)
	require.Len(t, summaries, 1, "unknown count types are not summarized")

	skipped := logs.FilterMessage("Skipping observation with unknown count type").All()
	require.Len(t, skipped, 1)
	assert.Equal(t, "xx", skipped[0].ContextMap()["count_type"])
	assert.Equal(t, int64(9606), skipped[0].ContextMap()["taxid"])

	done := logs.FilterMessage("Background summarized").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(2), done[0].ContextMap()["total_count"], "duplicate members count once")
	assert.Equal(t, int64(1), done[0].ContextMap()["count"])
}

func TestBuilder_MassNormalizedUsesBPM(t *testing.T) {
	builder := NewBuilder(threeRunSource(), 1, zaptest.NewLogger(t).Sugar())
	summaries, err := builder.Build(context.Background(),
		&Background{ID: 1, MemberRunIDs: []int64{1, 2, 3}, MassNormalized: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, summaries[0].ValueList)
	assert.Equal(t, 2.0, summaries[0].Mean)
}

func TestBuilder_Reproducible(t *testing.T) {
	bg := &Background{ID: 1, MemberRunIDs: []int64{1, 2, 3}}
	first, err := NewBuilder(threeRunSource(), 1, zaptest.NewLogger(t).Sugar()).Build(context.Background(), bg, nil)
	require.NoError(t, err)

	for _, workers := range []int{1, 2, 8} {
		again, err := NewBuilder(threeRunSource(), workers, zaptest.NewLogger(t).Sugar()).Build(context.Background(), bg, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again, "workers=%d", workers)
	}
}

func TestBuilder_EmptyMembership(t *testing.T) {
	source := threeRunSource()
	summaries, err := NewBuilder(source, 4, zaptest.NewLogger(t).Sugar()).Build(context.Background(), &Background{ID: 1}, nil)
	require.NoError(t, err)
	assert.Empty(t, summaries)
	assert.Empty(t, source.seen)
}

func TestBuilder_Errors(t *testing.T) {
	t.Run("source failure", func(t *testing.T) {
		source := threeRunSource()
		source.err = errors.New("disk on fire")
		_, err := NewBuilder(source, 2, zaptest.NewLogger(t).Sugar()).Build(context.Background(),
			&Background{ID: 4, MemberRunIDs: []int64{1, 2}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk on fire")
		assert.Contains(t, err.Error(), "build background 4")
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewBuilder(threeRunSource(), 1, zaptest.NewLogger(t).Sugar()).Build(ctx,
			&Background{ID: 4, MemberRunIDs: []int64{1, 2}}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestSummarySet(t *testing.T) {
	set := NewSummarySet([]TaxonSummary{
		{Key: keyY, Mean: 1, Stdev: 2},
		{Key: keyX, Mean: 3, Stdev: 4},
	})
	stats, ok := set.Stats(keyX)
	require.True(t, ok)
	assert.Equal(t, 3.0, stats.Mean)
	assert.Equal(t, 4.0, stats.Stdev)

	_, ok = set.Stats(observation.Key{TaxID: 1})
	assert.False(t, ok)
	assert.Equal(t, []observation.Key{keyX, keyY}, set.Keys())
}

// seedRuns stores three runs with the observations of threeRunSource
func seedRuns(t *testing.T, obsStore *observation.Store) {
	t.Helper()
	ctx := context.Background()
	for runID, rows := range threeRunSource().runs {
		require.NoError(t, obsStore.SaveRun(ctx, observation.Run{ID: runID, TotalReads: 1000, SubsampleFraction: 1}))
		require.NoError(t, obsStore.SaveObservations(ctx, runID, rows))
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	seedRuns(t, observation.NewStore(db, log))
	store := NewStore(db, log)

	bg := &Background{Name: " csf-controls ", MemberRunIDs: []int64{3, 1, 1}}
	require.NoError(t, store.Create(ctx, bg))
	assert.NotZero(t, bg.ID)
	assert.Equal(t, "csf-controls", bg.Name)
	assert.Equal(t, []int64{1, 3}, bg.MemberRunIDs)

	got, err := store.Get(ctx, bg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, got.MemberRunIDs)
	assert.Nil(t, got.BuiltAt)

	byName, err := store.GetByName(ctx, "csf-controls")
	require.NoError(t, err)
	assert.Equal(t, bg.ID, byName.ID)

	err = store.Create(ctx, &Background{Name: "csf-controls"})
	assert.True(t, errors.IsConflictError(err))

	err = store.Create(ctx, &Background{Name: "ghosts", MemberRunIDs: []int64{404}})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.Get(ctx, 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackgroundNotFound))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "csf-controls", all[0].Name)
}

func TestService_RebuildReplacesWholesale(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	obsStore := observation.NewStore(db, log)
	seedRuns(t, obsStore)

	store := NewStore(db, log)
	bg := &Background{Name: "controls", MemberRunIDs: []int64{1, 2, 3}}
	require.NoError(t, store.Create(ctx, bg))

	rec := &fakeBuildRecorder{}
	svc := NewService(store, NewBuilder(obsStore, 2, log), rec, time.Minute, log)

	result, err := svc.Rebuild(ctx, bg.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Summaries)
	assert.Equal(t, "controls", rec.name)

	first, err := store.ListSummaries(ctx, bg.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)

	summary, err := store.GetSummary(ctx, bg.ID, keyX)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, summary.ValueList)
	assert.Equal(t, 20.0, summary.Mean)

	_, err = store.GetSummary(ctx, bg.ID, observation.Key{TaxID: 1, CountType: taxon.NT, TaxLevel: taxon.Genus})
	assert.True(t, errors.IsNotFoundError(err))

	// Rebuilding with the same inputs reproduces the same rows
	_, err = svc.Rebuild(ctx, bg.ID, nil)
	require.NoError(t, err)
	second, err := store.ListSummaries(ctx, bg.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.Get(ctx, bg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.BuiltAt)

	// A stale row from an older build disappears on replace
	require.NoError(t, store.ReplaceSummaries(ctx, bg.ID, first[:1]))
	set, err := store.LoadSummaries(ctx, bg.ID)
	require.NoError(t, err)
	assert.Len(t, set, 1)
}

func TestStore_ReplaceSummariesRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM taxon_summaries").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectPrepare("INSERT INTO taxon_summaries").
		ExpectExec().
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := NewStore(db, zaptest.NewLogger(t).Sugar())
	err = store.ReplaceSummaries(context.Background(), 5, []TaxonSummary{
		{Key: keyX, Mean: 1, Stdev: 0, ValueList: []float64{1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildHandler(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	obsStore := observation.NewStore(db, log)
	seedRuns(t, obsStore)

	store := NewStore(db, log)
	bg := &Background{Name: "controls", MemberRunIDs: []int64{1, 2, 3}}
	require.NoError(t, store.Create(ctx, bg))

	queue := async.NewQueue(db)
	handler := NewBuildHandler(NewService(store, NewBuilder(obsStore, 1, log), nil, 0, log), queue, log)
	assert.Equal(t, "background.build", handler.Name())

	job, err := NewBuildJob(bg.ID)
	require.NoError(t, err)
	assert.Equal(t, "background:1", job.Source)
	require.NoError(t, queue.Enqueue(ctx, job))

	require.NoError(t, handler.Execute(ctx, job))

	stored, err := queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.Progress{Current: 3, Total: 3}, stored.Progress)

	summaries, err := store.ListSummaries(ctx, bg.ID)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	t.Run("bad payload", func(t *testing.T) {
		bad, err := async.NewJob(BuildHandlerName, "background:x", []byte(`{"background_id": "x"}`), 0)
		require.NoError(t, err)
		err = handler.Execute(ctx, bad)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("unknown background", func(t *testing.T) {
		missing, err := NewBuildJob(77)
		require.NoError(t, err)
		require.NoError(t, queue.Enqueue(ctx, missing))
		err = handler.Execute(ctx, missing)
		require.Error(t, err)
		assert.True(t, errors.IsNotFoundError(err))
	})
}

type fakeBuildRecorder struct {
	name      string
	summaries int
}

func (f *fakeBuildRecorder) ObserveBackgroundBuild(name string, _ time.Duration, summaries int) {
	f.name, f.summaries = name, summaries
}
