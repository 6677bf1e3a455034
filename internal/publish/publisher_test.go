package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/job/jobtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTarget struct {
	name  string
	ref   string
	err   error
	panic bool
}

func (t *stubTarget) Name() string { return t.name }

func (t *stubTarget) Publish(ctx context.Context, post *PostParams) (string, error) {
	if t.panic {
		panic("target exploded")
	}
	if t.err != nil {
		return "", t.err
	}
	return t.ref, nil
}

func seedPost(store *jobtest.MemStore, jobID string, targets []string) {
	params, _ := json.Marshal(PostParams{Content: "new clip is up", Targets: targets})
	store.Put(&job.Job{
		JobID:       jobID,
		JobType:     job.TypeSocialPost,
		Status:      job.StatusPending,
		InputParams: string(params),
		CreatedAt:   time.Now().UTC(),
	})
}

func newPublisher(store *jobtest.MemStore, targets ...Target) *Publisher {
	return NewPublisher(store, targets, slog.New(slog.DiscardHandler))
}

func targetResults(t *testing.T, store *jobtest.MemStore, jobID string) []job.TargetResult {
	t.Helper()
	j, err := store.GetByJobID(context.Background(), jobID)
	require.NoError(t, err)
	var results []job.TargetResult
	require.NoError(t, json.Unmarshal(j.TargetResults, &results))
	return results
}

func TestPublisher_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("all targets succeed", func(t *testing.T) {
		store := jobtest.NewMemStore()
		seedPost(store, "p1", []string{"twitter", "youtube"})

		p := newPublisher(store,
			&stubTarget{name: "twitter", ref: "tw/1"},
			&stubTarget{name: "youtube", ref: "yt/1"},
		)
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.False(t, j.LockHolder.Valid)

		results := targetResults(t, store, "p1")
		require.Len(t, results, 2)
		assert.True(t, results[0].Success)
		assert.Equal(t, "tw/1", results[0].ResultRef)
	})

	t.Run("one of three throws yields partial success", func(t *testing.T) {
		store := jobtest.NewMemStore()
		seedPost(store, "p1", []string{"twitter", "youtube", "tiktok"})

		p := newPublisher(store,
			&stubTarget{name: "twitter", ref: "tw/1"},
			&stubTarget{name: "youtube", err: errors.New("quota exceeded")},
			&stubTarget{name: "tiktok", ref: "tt/1"},
		)
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPartiallyPosted, j.Status)

		results := targetResults(t, store, "p1")
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.Equal(t, "quota exceeded", results[1].Error)
		assert.True(t, results[2].Success)
	})

	t.Run("panicking target is isolated", func(t *testing.T) {
		store := jobtest.NewMemStore()
		seedPost(store, "p1", []string{"twitter", "youtube"})

		p := newPublisher(store,
			&stubTarget{name: "twitter", panic: true},
			&stubTarget{name: "youtube", ref: "yt/1"},
		)
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPartiallyPosted, j.Status)

		results := targetResults(t, store, "p1")
		require.Len(t, results, 2)
		assert.False(t, results[0].Success)
		assert.Contains(t, results[0].Error, "target exploded")
		assert.True(t, results[1].Success)
	})

	t.Run("all targets fail", func(t *testing.T) {
		store := jobtest.NewMemStore()
		seedPost(store, "p1", []string{"twitter", "unknown-platform"})

		p := newPublisher(store,
			&stubTarget{name: "twitter", err: errors.New("token revoked")},
		)
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "publish", j.ErrorStage)

		results := targetResults(t, store, "p1")
		require.Len(t, results, 2)
		assert.Equal(t, "unknown target", results[1].Error)
	})

	t.Run("second execute is rejected instead of double posting", func(t *testing.T) {
		store := jobtest.NewMemStore()
		seedPost(store, "p1", []string{"twitter"})

		p := newPublisher(store, &stubTarget{name: "twitter", ref: "tw/1"})
		require.NoError(t, p.Execute(ctx, "p1"))

		err := p.Execute(ctx, "p1")
		assert.ErrorIs(t, err, job.ErrAlreadyClaimed)
	})

	t.Run("posting job with a live lock is not hijacked", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(&job.Job{
			JobID:          "p1",
			JobType:        job.TypeSocialPost,
			Status:         job.StatusPosting,
			InputParams:    `{"content":"hi","targets":["twitter"]}`,
			LockHolder:     sql.NullString{String: "publisher:live", Valid: true},
			LockAcquiredAt: sql.NullTime{Time: time.Now().UTC(), Valid: true},
			CreatedAt:      time.Now().UTC(),
		})

		p := newPublisher(store, &stubTarget{name: "twitter", ref: "tw/1"})
		err := p.Execute(ctx, "p1")
		assert.ErrorIs(t, err, job.ErrAlreadyClaimed)
	})

	t.Run("posting job abandoned past the lock timeout is reclaimed", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(&job.Job{
			JobID:          "p1",
			JobType:        job.TypeSocialPost,
			Status:         job.StatusPosting,
			InputParams:    `{"content":"hi","targets":["twitter"]}`,
			LockHolder:     sql.NullString{String: "publisher:dead", Valid: true},
			LockAcquiredAt: sql.NullTime{Time: time.Now().Add(-job.LockTimeout - time.Minute), Valid: true},
			CreatedAt:      time.Now().UTC(),
		})

		p := newPublisher(store, &stubTarget{name: "twitter", ref: "tw/1"})
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.False(t, j.LockHolder.Valid)
	})

	t.Run("malformed parameters fail the job", func(t *testing.T) {
		store := jobtest.NewMemStore()
		store.Put(&job.Job{
			JobID:       "p1",
			JobType:     job.TypeSocialPost,
			Status:      job.StatusPending,
			InputParams: "not json",
			CreatedAt:   time.Now().UTC(),
		})

		p := newPublisher(store)
		require.NoError(t, p.Execute(ctx, "p1"))

		j, err := store.GetByJobID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, "parse", j.ErrorStage)
	})
}
