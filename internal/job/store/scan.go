package store

import (
	"context"
	"fmt"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/lib/pq"
)

// ListQueued returns jobs sitting in a ready-to-dispatch state that have not
// been dispatched yet, or whose last dispatch went unclaimed past the lock
// timeout. A pending clip job is ready only on the remote-fetch path (its
// params carry a source); upload-entry jobs wait for their session instead.
func (s *Store) ListQueued(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE (
		        (job_type = $1 AND status = $2)
		     OR (job_type = $1 AND status = $4 AND input_params::jsonb ? 'source')
		     OR (job_type = $3 AND status = $4 AND scheduled_at IS NULL)
		      )
		  AND (dispatched_at IS NULL OR dispatched_at < $5)
		ORDER BY created_at ASC
		LIMIT $6
	`

	var jobs []job.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		job.TypeClipExtract, job.StatusUploaded,
		job.TypeSocialPost, job.StatusPending,
		now.UTC().Add(-job.LockTimeout),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	return jobs, nil
}

// ListStalled returns in-progress jobs whose worker has gone silent past the
// lock timeout. Re-dispatching them lets a new worker overtake the expired
// lock; a live worker's progress callbacks renew the lock and keep its job
// out of this class. The dispatched_at staleness check stops a stalled job
// from being re-dispatched on every scan while it waits for a claim.
func (s *Store) ListStalled(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1)
		  AND lock_acquired_at < $2
		  AND (dispatched_at IS NULL OR dispatched_at < $2)
		ORDER BY lock_acquired_at ASC
		LIMIT $3
	`

	var jobs []job.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		pq.Array(job.InProgressStatuses),
		now.UTC().Add(-job.LockTimeout),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	return jobs, nil
}

// ListDue returns future-dated jobs whose scheduled time has arrived.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= $2
		  AND (dispatched_at IS NULL OR dispatched_at < $3)
		ORDER BY scheduled_at ASC
		LIMIT $4
	`

	var jobs []job.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		job.StatusPending,
		now.UTC(),
		now.UTC().Add(-job.LockTimeout),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	return jobs, nil
}

// ListRetryable returns failed jobs still inside the retry budget and window.
// Backoff due-time filtering happens in the scheduler, which skips jobs whose
// computed next-retry time is still in the future. User-canceled jobs are
// failed too, but resurrecting one would undo the cancellation, so the
// cancel stage is excluded.
func (s *Store) ListRetryable(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		  AND retry_count < $2
		  AND created_at > $3
		  AND error_stage <> $4
		ORDER BY created_at ASC
		LIMIT $5
	`

	var jobs []job.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		job.StatusFailed,
		job.MaxRetries,
		now.UTC().Add(-job.RetryWindow),
		job.StageCancel,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable jobs: %w", err)
	}

	return jobs, nil
}

// PruneTerminal deletes terminal jobs past their retention window: failed
// after 7 days, completed and partially posted after 30. Produced artifacts
// live in blob storage and outlive the record.
func (s *Store) PruneTerminal(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE (status = $1 AND completed_at < $2)
		   OR (status = ANY($3) AND completed_at < $4)
	`

	res, err := s.db.ExecContext(ctx, query,
		job.StatusFailed,
		now.UTC().Add(-job.FailedRetention),
		pq.Array([]string{job.StatusCompleted, job.StatusPartiallyPosted}),
		now.UTC().Add(-job.CompleteRetention),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
