package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
)

// JobStore is the slice of the job record store the coordinator needs.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	Claim(ctx context.Context, jobID, lockToken string, claimable []string, to string, now time.Time) (*job.Job, error)
}

// Result is the coordinator's answer to a claim attempt.
type Result struct {
	Claimed    bool
	Reason     string
	Parameters string
	JobType    string
}

// Coordinator arbitrates which worker instance owns a job. A claim is an
// atomic compare-and-set: it succeeds only while the job sits in a claimable
// status and the lock is free, already held by the caller, or expired. An
// expired lock is silently overtaken; there is no explicit unlock, a worker
// either finishes the job or lets the lock expire.
type Coordinator struct {
	store  JobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(store JobStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Claim attempts to take exclusive ownership of a job for lockToken.
func (c *Coordinator) Claim(ctx context.Context, jobID, lockToken string) (*Result, error) {
	j, err := c.store.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := c.now()

	// Terminal jobs fail closed before any claim is attempted.
	if job.IsTerminal(j.Status) {
		return &Result{Claimed: false, Reason: "job is terminal"}, nil
	}

	claimable, inProgress := job.ClaimableStatuses(j.JobType)

	claimed, err := c.store.Claim(ctx, jobID, lockToken, claimable, inProgress, now)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyClaimed) {
			reason := "job not in claimable status"
			if job.LockValid(j.LockHolder, j.LockAcquiredAt, now) && j.LockHolder.String != lockToken {
				reason = "already claimed by another worker"
			}

			c.logger.Warn("Claim rejected",
				slog.String("job_id", jobID),
				slog.String("lock_token", lockToken),
				slog.String("reason", reason),
			)
			return &Result{Claimed: false, Reason: reason}, nil
		}
		return nil, err
	}

	c.logger.Info("Claim granted",
		slog.String("job_id", jobID),
		slog.String("lock_token", lockToken),
		slog.String("job_type", claimed.JobType),
	)

	return &Result{
		Claimed:    true,
		Parameters: claimed.InputParams,
		JobType:    claimed.JobType,
	}, nil
}
