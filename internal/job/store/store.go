package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	id, job_id, job_type, status, progress, current_step, input_params,
	lock_holder, lock_acquired_at, idempotency_key,
	retry_count, last_retry_at, scheduled_at, dispatched_at,
	error_message, error_stage, result, target_results,
	created_at, updated_at, completed_at
`

// Store handles all database operations on job records. Every mutation other
// than Create is a guarded compare-and-set on the current status (and, where
// relevant, the lock token or idempotency key), which is the sole defense
// against lost updates when concurrent callbacks race.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new job record in PENDING status.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, status, progress, input_params,
			scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := s.db.QueryRowContext(
		ctx,
		query,
		j.JobID,
		j.JobType,
		j.Status,
		j.Progress,
		j.InputParams,
		j.ScheduledAt,
		j.CreatedAt,
		j.UpdatedAt,
	).Scan(&j.ID)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByJobID retrieves a job by its external correlation id.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &j, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &j, nil
}

// Transition applies a guarded status transition: the update succeeds only if
// the record's current status is in the caller-declared source set, otherwise
// job.ErrConflict is returned without side effects.
func (s *Store) Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error {
	query := `UPDATE jobs SET status = $1, updated_at = $2`
	args := []interface{}{to, time.Now().UTC()}
	argIdx := 3

	set := func(column string, value interface{}) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}

	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.CurrentStep != nil {
		set("current_step", *patch.CurrentStep)
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	}
	if patch.ErrorStage != nil {
		set("error_stage", *patch.ErrorStage)
	}
	if patch.Result != nil {
		set("result", patch.Result)
	}
	if patch.TargetResults != nil {
		set("target_results", patch.TargetResults)
	}
	if patch.IdempotencyKey != nil {
		set("idempotency_key", *patch.IdempotencyKey)
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.LastRetryAt != nil {
		set("last_retry_at", *patch.LastRetryAt)
	}
	if patch.DispatchedAt != nil {
		set("dispatched_at", *patch.DispatchedAt)
	}
	if patch.SetLockHolder != nil {
		set("lock_holder", *patch.SetLockHolder)
	}
	if patch.SetLockAt != nil {
		set("lock_acquired_at", *patch.SetLockAt)
	}
	if patch.ClearLock {
		query += ", lock_holder = NULL, lock_acquired_at = NULL"
	}
	if patch.SetCompletedAt != nil {
		set("completed_at", *patch.SetCompletedAt)
	}

	query += fmt.Sprintf(" WHERE job_id = $%d AND status = ANY($%d)", argIdx, argIdx+1)
	args = append(args, jobID, pq.Array(from))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Warn("Guarded transition rejected",
			slog.String("job_id", jobID),
			slog.Any("from", from),
			slog.String("to", to),
		)
		return job.ErrConflict
	}

	s.logger.Info("Job transitioned",
		slog.String("job_id", jobID),
		slog.String("to", to),
	)

	return nil
}

// Claim atomically takes ownership of a job for a worker. It succeeds iff the
// status is in the claimable set and the lock is free, held by the same
// token, or expired (an expired lock is silently overtaken).
func (s *Store) Claim(ctx context.Context, jobID, lockToken string, claimable []string, to string, now time.Time) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    lock_holder = $2,
		    lock_acquired_at = $3,
		    updated_at = $3
		WHERE job_id = $4
		  AND status = ANY($5)
		  AND (lock_holder IS NULL OR lock_holder = $2 OR lock_acquired_at < $6)
		RETURNING ` + jobColumns

	var j job.Job
	err := s.db.QueryRowxContext(
		ctx,
		query,
		to,
		lockToken,
		now.UTC(),
		jobID,
		pq.Array(claimable),
		now.UTC().Add(-job.LockTimeout),
	).StructScan(&j)

	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not claimable",
				slog.String("job_id", jobID),
			)
			return nil, job.ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("lock_token", lockToken),
	)

	return &j, nil
}

// UpdateProgress renews a claim by writing progress under the lock token. A
// stale or mismatched token affects zero rows; the caller treats that as a
// no-op rather than an error. Progress never moves backwards within a claim.
// Each accepted update refreshes lock_acquired_at, so a worker that keeps
// reporting is never reclaimed no matter how long the job runs.
func (s *Store) UpdateProgress(ctx context.Context, jobID, lockToken string, progress int, step string) (bool, error) {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $1),
		    current_step = $2,
		    lock_acquired_at = $3,
		    updated_at = $3
		WHERE job_id = $4
		  AND lock_holder = $5
		  AND status = ANY($6)
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		progress,
		step,
		time.Now().UTC(),
		jobID,
		lockToken,
		pq.Array(job.InProgressStatuses),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// CompleteWithKey applies a terminal transition guarded by the job's current
// idempotency key, so a late callback from a superseded dispatch attempt
// cannot overwrite the current attempt's outcome. The lock is released as
// part of the same update.
func (s *Store) CompleteWithKey(ctx context.Context, jobID, idempotencyKey string, result []byte) error {
	return s.terminalWithKey(ctx, jobID, idempotencyKey, job.StatusCompleted, result, "", "")
}

// FailWithKey is the failure counterpart of CompleteWithKey.
func (s *Store) FailWithKey(ctx context.Context, jobID, idempotencyKey, errMsg, errStage string) error {
	return s.terminalWithKey(ctx, jobID, idempotencyKey, job.StatusFailed, nil, errMsg, errStage)
}

func (s *Store) terminalWithKey(ctx context.Context, jobID, idempotencyKey, to string, result []byte, errMsg, errStage string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    result = COALESCE($2, result),
		    error_message = $3,
		    error_stage = $4,
		    progress = CASE WHEN $1 = $5 THEN 100 ELSE progress END,
		    lock_holder = NULL,
		    lock_acquired_at = NULL,
		    completed_at = $6,
		    updated_at = $6
		WHERE job_id = $7
		  AND idempotency_key = $8
		  AND status = ANY($9)
	`

	res, err := s.db.ExecContext(
		ctx,
		query,
		to,
		result,
		errMsg,
		errStage,
		job.StatusCompleted,
		time.Now().UTC(),
		jobID,
		idempotencyKey,
		pq.Array(job.NonTerminalStatuses),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		// Distinguish a duplicate terminal callback from a stale key so
		// the webhook boundary can answer each correctly.
		j, getErr := s.GetByJobID(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if job.IsTerminal(j.Status) {
			return job.ErrConflict
		}
		return job.ErrStaleKey
	}

	s.logger.Info("Job finalized",
		slog.String("job_id", jobID),
		slog.String("status", to),
	)

	return nil
}
