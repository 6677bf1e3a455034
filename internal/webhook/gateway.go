package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipflow/orchestrator/internal/job"
)

// JobStore is the slice of the job record store the gateway drives.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	UpdateProgress(ctx context.Context, jobID, lockToken string, progress int, step string) (bool, error)
	CompleteWithKey(ctx context.Context, jobID, idempotencyKey string, result []byte) error
	FailWithKey(ctx context.Context, jobID, idempotencyKey, errMsg, errStage string) error
}

// Gateway routes authenticated worker callbacks into guarded state
// transitions. The shared secret is the only boundary authentication
// available; ownership of a specific job is conferred purely by possession of
// a valid lock token.
type Gateway struct {
	store  JobStore
	secret string
	logger *slog.Logger
}

// NewGateway creates a new Gateway
func NewGateway(store JobStore, secret string, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:  store,
		secret: secret,
		logger: logger,
	}
}

// Authenticate compares the callback's shared secret against the configured
// value. Rejection happens before any state is touched.
func (g *Gateway) Authenticate(secret string) bool {
	if g.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) == 1
}

// Progress applies a progress callback. A stale or mismatched lock token is a
// no-op success for the caller, to avoid leaking timing information, but is
// logged internally.
func (g *Gateway) Progress(ctx context.Context, cb *ProgressCallback) error {
	applied, err := g.store.UpdateProgress(ctx, cb.JobID, cb.LockID, cb.Progress, cb.Step)
	if err != nil {
		return err
	}

	if !applied {
		g.logger.Warn("Progress callback with stale lock token ignored",
			slog.String("job_id", cb.JobID),
			slog.String("lock_id", cb.LockID),
			slog.Int("progress", cb.Progress),
		)
	}

	return nil
}

// Completion applies a completion callback. Duplicate completions for an
// already-terminal job and callbacks carrying a superseded idempotency key
// are both swallowed into successful no-ops; at-least-once delivery means the
// worker should never need to distinguish "I was first" from "someone else
// already recorded this".
func (g *Gateway) Completion(ctx context.Context, cb *CompletionCallback) (noop bool, reason string, err error) {
	payload, err := json.Marshal(cb.Results)
	if err != nil {
		return false, "", fmt.Errorf("failed to marshal results: %w", err)
	}

	err = g.store.CompleteWithKey(ctx, cb.JobID, cb.IdempotencyKey, payload)
	switch {
	case err == nil:
		g.logger.Info("Job completed via callback",
			slog.String("job_id", cb.JobID),
			slog.Int("artifacts", len(cb.Results)),
		)
		return false, "", nil

	case errors.Is(err, job.ErrConflict):
		g.logger.Info("Duplicate completion callback ignored",
			slog.String("job_id", cb.JobID),
		)
		return true, "already recorded", nil

	case errors.Is(err, job.ErrStaleKey):
		g.logger.Warn("Completion callback from superseded attempt ignored",
			slog.String("job_id", cb.JobID),
			slog.String("idempotency_key", cb.IdempotencyKey),
		)
		return true, "superseded attempt", nil

	default:
		return false, "", err
	}
}

// Failure applies a failure callback with the same idempotency treatment as
// Completion. The error message and stage are recorded for operator
// visibility; the retry scanner decides whether the job runs again.
func (g *Gateway) Failure(ctx context.Context, cb *FailureCallback) (noop bool, reason string, err error) {
	err = g.store.FailWithKey(ctx, cb.JobID, cb.IdempotencyKey, cb.Error, cb.ErrorStage)
	switch {
	case err == nil:
		g.logger.Info("Job failed via callback",
			slog.String("job_id", cb.JobID),
			slog.String("error", cb.Error),
			slog.String("stage", cb.ErrorStage),
		)
		return false, "", nil

	case errors.Is(err, job.ErrConflict):
		return true, "already recorded", nil

	case errors.Is(err, job.ErrStaleKey):
		g.logger.Warn("Failure callback from superseded attempt ignored",
			slog.String("job_id", cb.JobID),
			slog.String("idempotency_key", cb.IdempotencyKey),
		)
		return true, "superseded attempt", nil

	default:
		return false, "", err
	}
}
