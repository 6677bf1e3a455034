package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipflow/orchestrator/internal/dispatch"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/job/jobtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

type fakePosts struct {
	mu       sync.Mutex
	executed []string
}

func (f *fakePosts) Execute(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, jobID)
	return nil
}

func newTestScheduler(store JobStore, d Dispatcher, p PostRunner) *Scheduler {
	return NewScheduler(&Config{
		Logger:     slog.New(slog.DiscardHandler),
		Store:      store,
		Dispatcher: d,
		Posts:      p,
	})
}

func TestScheduler_Scan_Queued(t *testing.T) {
	store := jobtest.NewMemStore()
	store.Put(&job.Job{
		JobID:       "c0a80000-0000-4000-8000-000000000001",
		JobType:     job.TypeClipExtract,
		Status:      job.StatusUploaded,
		InputParams: `{"input_ref":"blob://in/c1"}`,
		CreatedAt:   time.Now().UTC(),
	})

	d := &fakeDispatcher{}
	s := newTestScheduler(store, d, &fakePosts{})

	s.Scan(context.Background())

	require.Len(t, d.requests, 1)
	req := d.requests[0]
	assert.Equal(t, "c0a80000-0000-4000-8000-000000000001", req.JobID)
	assert.Equal(t, "blob://in/c1", req.InputRef)
	assert.NotEmpty(t, req.LockID)

	j, err := store.GetByJobID(context.Background(), req.JobID)
	require.NoError(t, err)
	assert.Equal(t, req.IdempotencyKey, j.IdempotencyKey.String)
	assert.True(t, strings.HasPrefix(req.IdempotencyKey, req.JobID+":0:"))
	assert.True(t, j.DispatchedAt.Valid)

	// Second scan within the lock window does not re-dispatch.
	s.Scan(context.Background())
	assert.Len(t, d.requests, 1)
}

func TestScheduler_Redispatch_SupersedesKey(t *testing.T) {
	ctx := context.Background()
	store := jobtest.NewMemStore()
	id := "c0a80000-0000-4000-8000-00000000000b"
	store.Put(&job.Job{
		JobID:       id,
		JobType:     job.TypeClipExtract,
		Status:      job.StatusUploaded,
		InputParams: `{"input_ref":"blob://in/x"}`,
		CreatedAt:   time.Now().UTC(),
	})

	d := &fakeDispatcher{}
	s := newTestScheduler(store, d, &fakePosts{})
	s.Scan(ctx)
	require.Len(t, d.requests, 1)
	first := d.requests[0].IdempotencyKey

	// The dispatch goes unclaimed past the lock window; the next scan picks
	// the job up again.
	j, err := store.GetByJobID(ctx, id)
	require.NoError(t, err)
	j.DispatchedAt = sql.NullTime{Time: time.Now().Add(-job.LockTimeout - time.Minute), Valid: true}
	store.Put(j)

	s.Scan(ctx)
	require.Len(t, d.requests, 2)
	second := d.requests[1].IdempotencyKey
	assert.NotEqual(t, first, second)

	// A late completion from the superseded dispatch is a stale-key no-op;
	// only the current dispatch's key finalizes the job.
	assert.ErrorIs(t, store.CompleteWithKey(ctx, id, first, nil), job.ErrStaleKey)
	require.NoError(t, store.CompleteWithKey(ctx, id, second, []byte(`[]`)))
}

func TestScheduler_Scan_DueScheduled(t *testing.T) {
	store := jobtest.NewMemStore()
	futureID := "c0a80000-0000-4000-8000-000000000002"
	dueID := "c0a80000-0000-4000-8000-000000000003"

	store.Put(&job.Job{
		JobID:       dueID,
		JobType:     job.TypeSocialPost,
		Status:      job.StatusPending,
		InputParams: `{"content":"hi","targets":["twitter"]}`,
		ScheduledAt: sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true},
		CreatedAt:   time.Now().UTC(),
	})
	store.Put(&job.Job{
		JobID:       futureID,
		JobType:     job.TypeSocialPost,
		Status:      job.StatusPending,
		InputParams: `{"content":"later","targets":["twitter"]}`,
		ScheduledAt: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
		CreatedAt:   time.Now().UTC(),
	})

	p := &fakePosts{}
	s := newTestScheduler(store, &fakeDispatcher{}, p)

	s.Scan(context.Background())

	assert.Equal(t, []string{dueID}, p.executed)
}

func TestScheduler_Scan_Retryable(t *testing.T) {
	ctx := context.Background()

	mkFailed := func(id string, lastRetryAgo time.Duration) *job.Job {
		return &job.Job{
			JobID:       id,
			JobType:     job.TypeClipExtract,
			Status:      job.StatusFailed,
			InputParams: `{"input_ref":"blob://in/x"}`,
			RetryCount:  1,
			LastRetryAt: sql.NullTime{Time: time.Now().Add(-lastRetryAgo), Valid: true},
			CreatedAt:   time.Now().Add(-time.Hour).UTC(),
		}
	}

	t.Run("due failed job is resurrected and re-dispatched with a fresh key", func(t *testing.T) {
		store := jobtest.NewMemStore()
		id := "c0a80000-0000-4000-8000-000000000004"
		store.Put(mkFailed(id, 6*time.Minute))

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})
		s.Scan(ctx)

		require.Len(t, d.requests, 1)

		j, err := store.GetByJobID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, j.RetryCount)
		assert.True(t, strings.HasPrefix(j.IdempotencyKey.String, id+":2:"))
		assert.Equal(t, job.StatusPending, j.Status)
	})

	t.Run("backoff not elapsed yet - skipped this scan", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(mkFailed("c0a80000-0000-4000-8000-000000000005", 4*time.Minute))

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})
		s.Scan(ctx)

		assert.Empty(t, d.requests)
	})

	t.Run("user-canceled job stays dead", func(t *testing.T) {
		store := jobtest.NewMemStore()
		canceled := mkFailed("c0a80000-0000-4000-8000-000000000009", 6*time.Minute)
		canceled.ErrorStage = job.StageCancel
		store.Put(canceled)

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})
		s.Scan(ctx)

		assert.Empty(t, d.requests)

		j, err := store.GetByJobID(ctx, canceled.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
	})
}

func TestScheduler_Scan_Stalled(t *testing.T) {
	ctx := context.Background()
	id := "c0a80000-0000-4000-8000-00000000000a"
	staleKey := id + ":0:deadbeef"

	mkStalled := func(lockAgo time.Duration) *job.Job {
		past := time.Now().UTC().Add(-lockAgo)
		return &job.Job{
			JobID:          id,
			JobType:        job.TypeClipExtract,
			Status:         job.StatusAnalyzing,
			InputParams:    `{"input_ref":"blob://in/x"}`,
			LockHolder:     sql.NullString{String: "lock-crashed", Valid: true},
			LockAcquiredAt: sql.NullTime{Time: past, Valid: true},
			DispatchedAt:   sql.NullTime{Time: past, Valid: true},
			IdempotencyKey: sql.NullString{String: staleKey, Valid: true},
			CreatedAt:      past,
		}
	}

	t.Run("job abandoned by a crashed worker is re-dispatched and reclaimable", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(mkStalled(3 * job.LockTimeout))

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})
		s.Scan(ctx)

		require.Len(t, d.requests, 1)
		req := d.requests[0]
		assert.Equal(t, id, req.JobID)
		assert.True(t, strings.HasPrefix(req.IdempotencyKey, id+":0:"))
		assert.NotEqual(t, staleKey, req.IdempotencyKey)

		// The next scan inside the lock window leaves it alone.
		s.Scan(ctx)
		assert.Len(t, d.requests, 1)

		// A new worker overtakes the expired lock.
		claimable, to := job.ClaimableStatuses(job.TypeClipExtract)
		j, err := store.Claim(ctx, id, "lock-new", claimable, to, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "lock-new", j.LockHolder.String)

		// The crashed worker's token no longer writes progress, and its
		// late completion carries a superseded key.
		applied, err := store.UpdateProgress(ctx, id, "lock-crashed", 80, "analyze")
		require.NoError(t, err)
		assert.False(t, applied)
		assert.ErrorIs(t, store.CompleteWithKey(ctx, id, staleKey, nil), job.ErrStaleKey)

		// The reclaiming worker finishes under the re-dispatched key.
		require.NoError(t, store.CompleteWithKey(ctx, id, req.IdempotencyKey, []byte(`[]`)))
		j, err = store.GetByJobID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
	})

	t.Run("live claim inside the lock window is left alone", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(mkStalled(5 * time.Minute))

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})
		s.Scan(ctx)

		assert.Empty(t, d.requests)
	})
}

func TestScheduler_DispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := jobtest.NewMemStore()
	id := "c0a80000-0000-4000-8000-000000000006"
	store.Put(&job.Job{
		JobID:       id,
		JobType:     job.TypeClipExtract,
		Status:      job.StatusUploaded,
		InputParams: `{"input_ref":"blob://in/x"}`,
		CreatedAt:   time.Now().UTC(),
	})

	d := &fakeDispatcher{err: dispatch.ErrUpstream}
	s := newTestScheduler(store, d, &fakePosts{})
	s.Scan(ctx)

	j, err := store.GetByJobID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "dispatch", j.ErrorStage)
}

func TestScheduler_ShouldRequeue(t *testing.T) {
	s := newTestScheduler(jobtest.NewMemStore(), &fakeDispatcher{}, &fakePosts{})

	assert.False(t, s.shouldRequeue(job.ErrConflict))
	assert.False(t, s.shouldRequeue(dispatch.ErrUpstream))
	assert.False(t, s.shouldRequeue(errors.New("unknown")))
	assert.True(t, s.shouldRequeue(job.NewRetryableError(errors.New("db hiccup"))))
}

func TestScheduler_ProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal job is dropped without dispatch", func(t *testing.T) {
		store := jobtest.NewMemStore()
		id := "c0a80000-0000-4000-8000-000000000007"
		store.Put(&job.Job{
			JobID:     id,
			JobType:   job.TypeClipExtract,
			Status:    job.StatusCompleted,
			CreatedAt: time.Now().UTC(),
		})

		d := &fakeDispatcher{}
		s := newTestScheduler(store, d, &fakePosts{})

		require.NoError(t, s.processMessage(ctx, &queueMessage{JobID: id}))
		assert.Empty(t, d.requests)
	})

	t.Run("unknown job is dropped", func(t *testing.T) {
		s := newTestScheduler(jobtest.NewMemStore(), &fakeDispatcher{}, &fakePosts{})
		require.NoError(t, s.processMessage(ctx, &queueMessage{JobID: "c0a80000-0000-4000-8000-0000000000ff"}))
	})

	t.Run("future-dated job is left to the due scan", func(t *testing.T) {
		store := jobtest.NewMemStore()
		id := "c0a80000-0000-4000-8000-000000000008"
		store.Put(&job.Job{
			JobID:       id,
			JobType:     job.TypeSocialPost,
			Status:      job.StatusPending,
			ScheduledAt: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
			CreatedAt:   time.Now().UTC(),
		})

		p := &fakePosts{}
		s := newTestScheduler(store, &fakeDispatcher{}, p)

		require.NoError(t, s.processMessage(ctx, &queueMessage{JobID: id}))
		assert.Empty(t, p.executed)
	})
}
