package async

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/taxscore/errors"
	qtest "github.com/teranos/taxscore/internal/testing"
)

// ============================================================================
// Bakery Test Universe
// ============================================================================
//
// Jobs are loaves: queued as dough, baked by workers, sometimes burnt.
// ============================================================================

type funcHandler struct {
	name string
	fn   func(ctx context.Context, job *Job) error
}

func (h funcHandler) Name() string { return h.name }
func (h funcHandler) Execute(ctx context.Context, job *Job) error { return h.fn(ctx, job) }

type recordedJob struct {
	handler, status string
}

type fakeRecorder struct {
	jobs chan recordedJob
}

func (r *fakeRecorder) RecordJob(handler, status string, _ time.Duration) {
	r.jobs <- recordedJob{handler, status}
}

func newLoaf(t *testing.T, source string, created time.Time) *Job {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"flour": "rye"})
	require.NoError(t, err)
	job, err := NewJob("bakery.bake", source, payload, 3)
	require.NoError(t, err)
	job.CreatedAt, job.UpdatedAt = created, created
	return job
}

func TestJobLifecycle(t *testing.T) {
	job := newLoaf(t, "oven-1", time.Now())
	assert.Len(t, job.ID, 36)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 0.0, job.Progress.Percentage())

	job.Start()
	require.NotNil(t, job.StartedAt)
	job.UpdateProgress(2)
	assert.InDelta(t, 66.67, job.Progress.Percentage(), 0.01)

	job.Requeue()
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Nil(t, job.StartedAt)

	job.Fail(errors.New("burnt"))
	assert.Equal(t, "burnt", job.Error)
	assert.True(t, job.Status.IsTerminal())

	var payload map[string]string
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, "rye", payload["flour"])

	_, err := NewJob("", "oven-1", nil, 0)
	assert.Error(t, err)
	assert.True(t, IsValidStatus("cancelled"))
	assert.False(t, IsValidStatus("paused"))
}

func TestStore_RoundTrip(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	job := newLoaf(t, "oven-1", time.Now().Add(-time.Minute))
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.HandlerName, got.HandlerName)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.Equal(t, 3, got.Progress.Total)
	assert.Nil(t, got.StartedAt)

	got.Start()
	got.UpdateProgress(1)
	require.NoError(t, store.UpdateJob(ctx, got))

	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, again.Status)
	assert.Equal(t, 1, again.Progress.Current)
	require.NotNil(t, again.StartedAt)

	_, err = store.GetJob(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	err = store.UpdateJob(ctx, &Job{ID: "missing", Status: JobStatusQueued})
	assert.True(t, errors.IsNotFoundError(err))

	got.Complete()
	got.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.UpdateJob(ctx, got))
	n, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_DequeueOldestFirst(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	q := NewQueue(db)

	base := time.Now().Add(-time.Hour)
	second := newLoaf(t, "oven-2", base.Add(time.Minute))
	first := newLoaf(t, "oven-1", base)
	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, first))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, JobStatusRunning, got.Status)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Running)
	assert.Equal(t, 2, stats.Total)
}

func TestQueue_EnqueueUnique(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	q := NewQueue(db)

	first := newLoaf(t, "oven-1", time.Now())
	got, created, err := q.EnqueueUnique(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	dup := newLoaf(t, "oven-1", time.Now())
	got, created, err = q.EnqueueUnique(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	require.NoError(t, q.CancelJob(ctx, first.ID, "shop closed"))
	err = q.CancelJob(ctx, first.ID, "again")
	assert.True(t, errors.IsConflictError(err))

	_, created, err = q.EnqueueUnique(ctx, dup)
	require.NoError(t, err)
	assert.True(t, created, "cancelled jobs do not block a new one")
}

func TestQueue_StateSharedThroughDatabase(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	front, back := NewQueue(db), NewQueue(db)

	job := newLoaf(t, "oven-1", time.Now())
	require.NoError(t, front.Enqueue(ctx, job))

	running, err := back.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, job.ID, running.ID)

	seen, err := front.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, seen.Status)

	require.NoError(t, back.CompleteJob(ctx, running))
	seen, err = front.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, seen.Status)
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	bake := funcHandler{name: "bakery.bake", fn: func(context.Context, *Job) error { return nil }}

	require.NoError(t, reg.Register(bake))
	require.NoError(t, reg.Register(funcHandler{name: "bakery.cool", fn: bake.fn}))
	assert.True(t, errors.IsConflictError(reg.Register(bake)))
	assert.True(t, errors.IsInvalidRequestError(reg.Register(funcHandler{fn: bake.fn})))

	assert.True(t, reg.Has("bakery.bake"))
	assert.False(t, reg.Has("bakery.slice"))
	assert.Equal(t, []string{"bakery.bake", "bakery.cool"}, reg.Names())

	exec := NewRegistryExecutor(reg)
	err := exec.Execute(context.Background(), &Job{ID: "j1"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestWorkerPool_ProcessNextJob(t *testing.T) {
	ctx := context.Background()

	t.Run("completes", func(t *testing.T) {
		db := qtest.CreateTestDB(t)
		pool := NewWorkerPool(ctx, db, WorkerPoolConfig{}, zaptest.NewLogger(t).Sugar())
		require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(ctx context.Context, job *Job) error {
			job.UpdateProgress(3)
			return nil
		}}))

		job := newLoaf(t, "oven-1", time.Now())
		require.NoError(t, pool.Queue().Enqueue(ctx, job))
		require.NoError(t, pool.processNextJob(ctx))

		got, err := pool.Queue().GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, got.Status)
		assert.Equal(t, 3, got.Progress.Current)
		assert.Equal(t, 1, pool.JobsProcessed())
	})

	t.Run("validation errors fail without retry", func(t *testing.T) {
		db := qtest.CreateTestDB(t)
		pool := NewWorkerPool(ctx, db, WorkerPoolConfig{}, zaptest.NewLogger(t).Sugar())
		require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(context.Context, *Job) error {
			return errors.NewInvalidRequestError("no flour")
		}}))

		job := newLoaf(t, "oven-1", time.Now())
		require.NoError(t, pool.Queue().Enqueue(ctx, job))
		require.NoError(t, pool.processNextJob(ctx))

		got, err := pool.Queue().GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, got.Status)
		assert.Contains(t, got.Error, "no flour")
		assert.Equal(t, 0, got.RetryCount)
	})

	t.Run("transient errors retry then fail", func(t *testing.T) {
		db := qtest.CreateTestDB(t)
		pool := NewWorkerPool(ctx, db, WorkerPoolConfig{}, zaptest.NewLogger(t).Sugar())
		var attempts atomic.Int32
		require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(context.Context, *Job) error {
			attempts.Add(1)
			return errors.New("oven flickered")
		}}))

		job := newLoaf(t, "oven-1", time.Now())
		require.NoError(t, pool.Queue().Enqueue(ctx, job))
		for i := 0; i <= MaxRetries; i++ {
			require.NoError(t, pool.processNextJob(ctx))
		}

		got, err := pool.Queue().GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, got.Status)
		assert.Equal(t, MaxRetries, got.RetryCount)
		assert.Equal(t, int32(MaxRetries+1), attempts.Load())
	})

	t.Run("unknown handler fails", func(t *testing.T) {
		db := qtest.CreateTestDB(t)
		pool := NewWorkerPool(ctx, db, WorkerPoolConfig{}, zaptest.NewLogger(t).Sugar())

		job := newLoaf(t, "oven-1", time.Now())
		require.NoError(t, pool.Queue().Enqueue(ctx, job))
		require.NoError(t, pool.processNextJob(ctx))

		got, err := pool.Queue().GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, got.Status)
		assert.Contains(t, got.Error, "no handler registered")
		assert.Equal(t, 0, got.RetryCount)
	})
}

func TestWorkerPool_LogsJobStatus(t *testing.T) {
	ctx := context.Background()
	db := qtest.CreateTestDB(t)
	core, logs := observer.New(zap.InfoLevel)
	pool := NewWorkerPool(ctx, db, WorkerPoolConfig{}, zap.New(core).Sugar())
	require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(_ context.Context, job *Job) error {
		if job.Source == "oven-burnt" {
			return errors.NewInvalidRequestError("burnt crust")
		}
		return nil
	}}))

	good := newLoaf(t, "oven-1", time.Now().Add(-time.Minute))
	bad := newLoaf(t, "oven-burnt", time.Now())
	require.NoError(t, pool.Queue().Enqueue(ctx, good))
	require.NoError(t, pool.Queue().Enqueue(ctx, bad))
	require.NoError(t, pool.processNextJob(ctx))
	require.NoError(t, pool.processNextJob(ctx))

	completed := logs.FilterMessage("Job completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, "completed", completed[0].ContextMap()["status"])
	assert.Equal(t, good.ID, completed[0].ContextMap()["job_id"])

	failed := logs.FilterMessage("Job failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "failed", failed[0].ContextMap()["status"])
	assert.Equal(t, bad.ID, failed[0].ContextMap()["job_id"])
}

func TestWorkerPool_StartRunsJobsAndRecordsThem(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()

	pool := NewWorkerPool(ctx, db, WorkerPoolConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	recorder := &fakeRecorder{jobs: make(chan recordedJob, 4)}
	pool.SetRecorder(recorder)
	require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(context.Context, *Job) error { return nil }}))

	// Left running by a crashed process
	orphan := newLoaf(t, "oven-9", time.Now().Add(-time.Hour))
	orphan.Start()
	require.NoError(t, pool.Queue().Enqueue(ctx, orphan))

	pool.Start()
	defer pool.Stop()

	select {
	case got := <-recorder.jobs:
		assert.Equal(t, recordedJob{"bakery.bake", "completed"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned job was not recovered")
	}

	require.Eventually(t, func() bool {
		got, err := pool.Queue().GetJob(ctx, orphan.ID)
		return err == nil && got.Status == JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_StopRequeuesInterruptedJob(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()

	pool := NewWorkerPool(ctx, db, WorkerPoolConfig{Workers: 1, PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	started := make(chan struct{})
	require.NoError(t, pool.Registry().Register(funcHandler{name: "bakery.bake", fn: func(ctx context.Context, _ *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))

	job := newLoaf(t, "oven-1", time.Now())
	require.NoError(t, pool.Queue().Enqueue(ctx, job))

	pool.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	pool.Stop()

	got, err := pool.Queue().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"not found", errors.Wrap(errors.NewNotFoundError("background 3"), "load"), ErrorCodeNotFound, false},
		{"invalid", errors.NewInvalidRequestError("bad payload"), ErrorCodeValidationError, false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "build"), ErrorCodeTimeout, false},
		{"cancelled", context.Canceled, ErrorCodeCancelled, false},
		{"json", errors.New("json: cannot unmarshal string"), ErrorCodeParseError, false},
		{"database", errors.New("database is locked"), ErrorCodeDatabaseError, true},
		{"other", errors.New("cosmic ray"), ErrorCodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError("execute", tt.err)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.retryable, got.Retryable)
		})
	}
	assert.Equal(t, ErrorCodeUnknown, ClassifyError("execute", nil).Code)
}

func TestJobProgressEmitter(t *testing.T) {
	db := qtest.CreateTestDB(t)
	ctx := context.Background()
	q := NewQueue(db)

	job := newLoaf(t, "oven-1", time.Now())
	require.NoError(t, q.Enqueue(ctx, job))

	emitter := NewJobProgressEmitter(job, q, zaptest.NewLogger(t).Sugar())
	emitter.EmitTotal(ctx, 10)
	emitter.EmitProgress(ctx, 4)
	emitter.EmitProgress(ctx, 2)
	emitter.EmitError(ctx, "proofing", errors.New("dough too wet"))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, Progress{Current: 6, Total: 10}, got.Progress)
	assert.Equal(t, "dough too wet", got.Error)
}
