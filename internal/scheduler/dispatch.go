package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipflow/orchestrator/internal/dispatch"
	"github.com/clipflow/orchestrator/internal/job"
	"github.com/google/uuid"
)

// dispatchJob sends one job down its dispatch path. For retries, the failed
// record is first resurrected to pending with incremented retry bookkeeping;
// either way the attempt binds a fresh idempotency key before anything is
// sent, so a late callback from a superseded attempt cannot land.
func (s *Scheduler) dispatchJob(ctx context.Context, j *job.Job, isRetry bool) error {
	if isRetry {
		resurrected, err := s.retryTransition(ctx, j)
		if err != nil {
			return err
		}
		j = resurrected
	}

	switch j.JobType {
	case job.TypeSocialPost:
		return s.posts.Execute(ctx, j.JobID)
	default:
		return s.dispatchClip(ctx, j)
	}
}

// retryTransition moves a failed job back to pending under a guard, bumping
// retry_count and last_retry_at and binding the next attempt's key. A
// concurrent scan losing this race gets a conflict and walks away.
func (s *Scheduler) retryTransition(ctx context.Context, j *job.Job) (*job.Job, error) {
	attempt := j.RetryCount + 1
	key := job.DispatchKey(j.JobID, attempt)
	now := time.Now().UTC()
	zero := 0

	err := s.store.Transition(ctx, j.JobID, []string{job.StatusFailed}, job.StatusPending, job.Patch{
		RetryCount:     &attempt,
		LastRetryAt:    &now,
		IdempotencyKey: &key,
		Progress:       &zero,
		ClearLock:      true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Retrying failed job",
		slog.String("job_id", j.JobID),
		slog.Int("attempt", attempt),
	)

	return s.store.GetByJobID(ctx, j.JobID)
}

// dispatchClip binds the attempt key and posts the job to the worker fleet.
func (s *Scheduler) dispatchClip(ctx context.Context, j *job.Job) error {
	key := job.DispatchKey(j.JobID, j.RetryCount)
	now := time.Now().UTC()

	err := s.store.Transition(ctx, j.JobID, []string{j.Status}, j.Status, job.Patch{
		IdempotencyKey: &key,
		DispatchedAt:   &now,
	})
	if err != nil {
		if errors.Is(err, job.ErrConflict) {
			// Someone else moved the job first; nothing to do.
			return nil
		}
		return err
	}

	lockID := uuid.New().String()
	req := dispatch.Request{
		JobID:          j.JobID,
		LockID:         lockID,
		IdempotencyKey: key,
		InputRef:       inputRef(j),
		Parameters:     j.InputParams,
	}

	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		msg := err.Error()
		stage := "dispatch"
		done := time.Now().UTC()
		if tErr := s.store.Transition(ctx, j.JobID, job.NonTerminalStatuses, job.StatusFailed, job.Patch{
			ErrorMessage:   &msg,
			ErrorStage:     &stage,
			ClearLock:      true,
			SetCompletedAt: &done,
		}); tErr != nil && !errors.Is(tErr, job.ErrConflict) {
			s.logger.Error("Failed to mark job failed after dispatch error",
				slog.String("job_id", j.JobID),
				slog.Any("error", tErr),
			)
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	return nil
}

// inputRef extracts the worker's input reference from the job parameters.
// Uploaded-entry jobs carry input_ref; remote-fetch jobs carry source.
func inputRef(j *job.Job) string {
	var params struct {
		InputRef string `json:"input_ref"`
		Source   string `json:"source"`
	}
	if err := json.Unmarshal([]byte(j.InputParams), &params); err != nil {
		return ""
	}
	if params.InputRef != "" {
		return params.InputRef
	}
	return params.Source
}
