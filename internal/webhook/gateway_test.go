package webhook

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/job/jobtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimedJob(store *jobtest.MemStore, jobID, lockToken, key string) {
	store.Put(&job.Job{
		JobID:          jobID,
		JobType:        job.TypeClipExtract,
		Status:         job.StatusAnalyzing,
		LockHolder:     sql.NullString{String: lockToken, Valid: true},
		LockAcquiredAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
		IdempotencyKey: sql.NullString{String: key, Valid: true},
		Progress:       50,
		CreatedAt:      time.Now().UTC(),
	})
}

func newGateway(store *jobtest.MemStore) *Gateway {
	return NewGateway(store, "hush", slog.New(slog.DiscardHandler))
}

func TestGateway_Authenticate(t *testing.T) {
	g := newGateway(jobtest.NewMemStore())

	assert.True(t, g.Authenticate("hush"))
	assert.False(t, g.Authenticate("wrong"))
	assert.False(t, g.Authenticate(""))

	// an unconfigured secret never authenticates anything
	empty := NewGateway(jobtest.NewMemStore(), "", slog.New(slog.DiscardHandler))
	assert.False(t, empty.Authenticate(""))
}

func TestGateway_Progress(t *testing.T) {
	ctx := context.Background()

	t.Run("writes progress under the owning lock", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		err := g.Progress(ctx, &ProgressCallback{
			Envelope: Envelope{JobID: "j1", LockID: "l1"},
			Progress: 75,
			Step:     "transcode",
		})
		require.NoError(t, err)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 75, j.Progress)
		assert.Equal(t, "transcode", j.CurrentStep)
	})

	t.Run("mismatched lock token is a silent no-op", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		err := g.Progress(ctx, &ProgressCallback{
			Envelope: Envelope{JobID: "j1", LockID: "superseded"},
			Progress: 99,
		})
		require.NoError(t, err)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 50, j.Progress)
	})

	t.Run("progress never moves backwards", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		require.NoError(t, g.Progress(ctx, &ProgressCallback{
			Envelope: Envelope{JobID: "j1", LockID: "l1"},
			Progress: 30,
		}))

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, 50, j.Progress)
	})
}

func TestGateway_Completion(t *testing.T) {
	ctx := context.Background()

	t.Run("finalizes job, clears lock, stores artifacts", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		noop, _, err := g.Completion(ctx, &CompletionCallback{
			Envelope:       Envelope{JobID: "j1", LockID: "l1"},
			IdempotencyKey: "j1:0",
			Results:        []Artifact{{OutputURL: "blob://out/a.mp4", DurationSeconds: 12}},
		})
		require.NoError(t, err)
		assert.False(t, noop)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.Equal(t, 100, j.Progress)
		assert.False(t, j.LockHolder.Valid)
		assert.Contains(t, string(j.Result), "blob://out/a.mp4")
	})

	t.Run("duplicate completion is a no-op success", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		cb := &CompletionCallback{
			Envelope:       Envelope{JobID: "j1", LockID: "l1"},
			IdempotencyKey: "j1:0",
			Results:        []Artifact{{OutputURL: "blob://out/a.mp4"}},
		}

		noop, _, err := g.Completion(ctx, cb)
		require.NoError(t, err)
		require.False(t, noop)

		noop, reason, err := g.Completion(ctx, cb)
		require.NoError(t, err)
		assert.True(t, noop)
		assert.Equal(t, "already recorded", reason)
	})

	t.Run("stale idempotency key is a no-op", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:1")
		g := newGateway(store)

		// late callback from attempt 0, job is on attempt 1
		noop, reason, err := g.Completion(ctx, &CompletionCallback{
			Envelope:       Envelope{JobID: "j1", LockID: "l-old"},
			IdempotencyKey: "j1:0",
			Results:        []Artifact{{OutputURL: "blob://stale"}},
		})
		require.NoError(t, err)
		assert.True(t, noop)
		assert.Equal(t, "superseded attempt", reason)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusAnalyzing, j.Status)
		assert.NotContains(t, string(j.Result), "blob://stale")
	})
}

func TestGateway_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("records error message and stage", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:0")
		g := newGateway(store)

		noop, _, err := g.Failure(ctx, &FailureCallback{
			Envelope:       Envelope{JobID: "j1", LockID: "l1"},
			IdempotencyKey: "j1:0",
			Error:          "source unreadable",
			ErrorStage:     "download",
		})
		require.NoError(t, err)
		assert.False(t, noop)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "source unreadable", j.ErrorMessage)
		assert.Equal(t, "download", j.ErrorStage)
		assert.False(t, j.LockHolder.Valid)
	})

	t.Run("stale key failure is a no-op", func(t *testing.T) {
		store := jobtest.NewMemStore()
		claimedJob(store, "j1", "l1", "j1:2")
		g := newGateway(store)

		noop, _, err := g.Failure(ctx, &FailureCallback{
			Envelope:       Envelope{JobID: "j1"},
			IdempotencyKey: "j1:0",
			Error:          "stale",
		})
		require.NoError(t, err)
		assert.True(t, noop)

		j, err := store.GetByJobID(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusAnalyzing, j.Status)
	})
}
