package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/google/uuid"
)

// Target publishes one post to one downstream destination.
type Target interface {
	Name() string
	Publish(ctx context.Context, post *PostParams) (resultRef string, err error)
}

// PostParams are the immutable input parameters of a social post job.
type PostParams struct {
	Content  string   `json:"content"`
	MediaRef string   `json:"media_ref,omitempty"`
	Targets  []string `json:"targets"`
}

// JobStore is the slice of the job record store the publisher drives.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error
	Claim(ctx context.Context, jobID, lockToken string, claimable []string, to string, now time.Time) (*job.Job, error)
}

// Publisher fans a single post job out to N independent targets and
// aggregates partial success. One target's failure never aborts the others.
type Publisher struct {
	store   JobStore
	targets map[string]Target
	logger  *slog.Logger
}

// NewPublisher creates a new Publisher over a target registry.
func NewPublisher(store JobStore, targets []Target, logger *slog.Logger) *Publisher {
	registry := make(map[string]Target, len(targets))
	for _, t := range targets {
		registry[t.Name()] = t
	}
	return &Publisher{
		store:   store,
		targets: registry,
		logger:  logger,
	}
}

// Execute runs a social post job to completion, side-effecting the job
// record's final status. The aggregate status intentionally discards
// per-target detail; the stored result array is the source of truth for
// which targets succeeded.
func (p *Publisher) Execute(ctx context.Context, jobID string) error {
	j, err := p.store.GetByJobID(ctx, jobID)
	if err != nil {
		return err
	}

	var params PostParams
	if err := json.Unmarshal([]byte(j.InputParams), &params); err != nil {
		return p.failJob(ctx, jobID, fmt.Sprintf("invalid post parameters: %s", err), "parse")
	}
	if len(params.Targets) == 0 {
		return p.failJob(ctx, jobID, "no publish targets requested", "parse")
	}

	// A posting job whose publisher died mid-run carries an expired lock;
	// the claim overtakes it. A live lock rejects this execution.
	lockToken := "publisher:" + uuid.New().String()
	claimable, inProgress := job.ClaimableStatuses(job.TypeSocialPost)
	if _, err := p.store.Claim(ctx, jobID, lockToken, claimable, inProgress, time.Now().UTC()); err != nil {
		return err
	}

	key := job.DispatchKey(jobID, j.RetryCount)
	if err := p.store.Transition(ctx, jobID, []string{inProgress}, inProgress, job.Patch{
		IdempotencyKey: &key,
	}); err != nil {
		return err
	}

	results := make([]job.TargetResult, 0, len(params.Targets))
	succeeded := 0
	for _, name := range params.Targets {
		res := p.publishOne(ctx, name, &params)
		if res.Success {
			succeeded++
		}
		results = append(results, res)
	}

	final := job.StatusFailed
	switch {
	case succeeded == len(results):
		final = job.StatusCompleted
	case succeeded > 0:
		final = job.StatusPartiallyPosted
	}

	resultJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal target results: %w", err)
	}

	progress := 100
	done := time.Now().UTC()
	patch := job.Patch{
		TargetResults:  resultJSON,
		Progress:       &progress,
		ClearLock:      true,
		SetCompletedAt: &done,
	}
	if final == job.StatusFailed {
		msg := "all publish targets failed"
		stage := "publish"
		patch.ErrorMessage = &msg
		patch.ErrorStage = &stage
	}

	if err := p.store.Transition(ctx, jobID, []string{job.StatusPosting}, final, patch); err != nil {
		return err
	}

	p.logger.Info("Post job finished",
		slog.String("job_id", jobID),
		slog.String("status", final),
		slog.Int("targets", len(results)),
		slog.Int("succeeded", succeeded),
	)

	return nil
}

// publishOne runs a single target with failures isolated, including panics.
func (p *Publisher) publishOne(ctx context.Context, name string, params *PostParams) (res job.TargetResult) {
	res = job.TargetResult{Target: name}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("target panicked: %v", r)
			p.logger.Error("Publish target panicked",
				slog.String("target", name),
				slog.Any("panic", r),
			)
		}
	}()

	target, ok := p.targets[name]
	if !ok {
		res.Error = "unknown target"
		return res
	}

	ref, err := target.Publish(ctx, params)
	if err != nil {
		res.Error = err.Error()
		p.logger.Warn("Publish target failed",
			slog.String("target", name),
			slog.String("error", err.Error()),
		)
		return res
	}

	res.Success = true
	res.ResultRef = ref
	return res
}

func (p *Publisher) failJob(ctx context.Context, jobID, msg, stage string) error {
	now := time.Now().UTC()
	return p.store.Transition(ctx, jobID, job.NonTerminalStatuses, job.StatusFailed, job.Patch{
		ErrorMessage:   &msg,
		ErrorStage:     &stage,
		ClearLock:      true,
		SetCompletedAt: &now,
	})
}
