package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/google/uuid"
)

// SessionStore is the persistence surface the tracker needs.
type SessionStore interface {
	Insert(ctx context.Context, sess *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	InsertPart(ctx context.Context, sessionID string, partNumber int, checksum string, sizeBytes int64) (bool, error)
	CountParts(ctx context.Context, sessionID string) (int, error)
	SetStatus(ctx context.Context, sessionID, to, abortReason string) (bool, error)
}

// JobStore is the slice of the job record store the tracker drives.
type JobStore interface {
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error
}

// DispatchQueue hands a ready job off for worker dispatch.
type DispatchQueue interface {
	PublishDispatch(ctx context.Context, jobID string) error
}

// Service is the upload session tracker. Upload progress reaches observers
// only through the scaled progress value it writes onto the owning job
// record, which decouples the transfer mechanism from progress semantics.
type Service struct {
	sessions SessionStore
	jobs     JobStore
	queue    DispatchQueue
	logger   *slog.Logger
}

// NewService creates a new upload Service
func NewService(sessions SessionStore, jobs JobStore, queue DispatchQueue, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		jobs:     jobs,
		queue:    queue,
		logger:   logger,
	}
}

// Open creates a session for a pending job and moves the job into the
// uploading phase.
func (s *Service) Open(ctx context.Context, jobID string, partSize int64, totalParts int, totalBytes int64) (*Session, error) {
	if totalParts <= 0 || totalBytes <= 0 || partSize <= 0 {
		return nil, fmt.Errorf("invalid session geometry: parts=%d bytes=%d part_size=%d", totalParts, totalBytes, partSize)
	}

	j, err := s.jobs.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if j.Status != job.StatusPending {
		return nil, ErrJobNotPending
	}

	step := "upload"
	if err := s.jobs.Transition(ctx, jobID, []string{job.StatusPending}, job.StatusUploading, job.Patch{
		CurrentStep: &step,
	}); err != nil {
		if errors.Is(err, job.ErrConflict) {
			return nil, ErrJobNotPending
		}
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		SessionID:  uuid.New().String(),
		JobID:      jobID,
		PartSize:   partSize,
		TotalParts: totalParts,
		TotalBytes: totalBytes,
		Status:     SessionActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.sessions.Insert(ctx, sess); err != nil {
		// Without a session the job cannot make upload progress; put it
		// back to pending so a later open attempt is not rejected.
		noStep := ""
		if rbErr := s.jobs.Transition(ctx, jobID, []string{job.StatusUploading}, job.StatusPending, job.Patch{CurrentStep: &noStep}); rbErr != nil {
			s.logger.Error("Failed to roll job back after session insert failure",
				slog.String("job_id", jobID),
				slog.Any("error", rbErr),
			)
		}
		return nil, err
	}

	s.logger.Info("Upload session opened",
		slog.String("session_id", sess.SessionID),
		slog.String("job_id", jobID),
		slog.Int("total_parts", totalParts),
		slog.Int64("total_bytes", totalBytes),
	)

	return sess, nil
}

// ReportPart records one uploaded chunk. The same part number reported twice
// is a no-op acknowledged with AlreadyReported, and bytes are never counted
// twice. Each accepted report refreshes the owning job's scaled progress.
func (s *Service) ReportPart(ctx context.Context, sessionID string, partNumber int, checksum string, sizeBytes int64) (*PartReport, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status != SessionActive {
		return nil, ErrSessionNotActive
	}

	if partNumber < 1 || partNumber > sess.TotalParts {
		return nil, fmt.Errorf("%w: %d of 1..%d", ErrPartOutOfRange, partNumber, sess.TotalParts)
	}

	inserted, err := s.sessions.InsertPart(ctx, sessionID, partNumber, checksum, sizeBytes)
	if err != nil {
		return nil, err
	}

	count, err := s.sessions.CountParts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	bytesUploaded := sess.BytesUploaded
	if inserted {
		bytesUploaded += sizeBytes

		progress := job.UploadProgress(bytesUploaded, sess.TotalBytes)
		step := "upload"
		if err := s.jobs.Transition(ctx, sess.JobID, []string{job.StatusUploading}, job.StatusUploading, job.Patch{
			Progress:    &progress,
			CurrentStep: &step,
		}); err != nil && !errors.Is(err, job.ErrConflict) {
			return nil, err
		}
	}

	return &PartReport{
		AlreadyReported: !inserted,
		PartsCompleted:  count,
		TotalParts:      sess.TotalParts,
		BytesUploaded:   bytesUploaded,
	}, nil
}

// Complete finishes a session. It fails closed unless every part has been
// reported, flips the session out of ACTIVE exactly once, advances the owning
// job to uploaded, and schedules a worker dispatch. That session flip is the
// sole trigger that takes a job out of the uploading phase.
func (s *Service) Complete(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.Status != SessionActive {
		return ErrSessionNotActive
	}

	count, err := s.sessions.CountParts(ctx, sessionID)
	if err != nil {
		return err
	}

	if count != sess.TotalParts {
		return ErrIncomplete
	}

	flipped, err := s.sessions.SetStatus(ctx, sessionID, SessionCompleted, "")
	if err != nil {
		return err
	}
	if !flipped {
		// A concurrent complete or abort got there first.
		return ErrSessionNotActive
	}

	progress := job.UploadProgressCeiling
	step := "uploaded"
	if err := s.jobs.Transition(ctx, sess.JobID, []string{job.StatusUploading}, job.StatusUploaded, job.Patch{
		Progress:    &progress,
		CurrentStep: &step,
	}); err != nil {
		return err
	}

	if err := s.queue.PublishDispatch(ctx, sess.JobID); err != nil {
		// The scheduler's queued scan will pick the job up anyway.
		s.logger.Error("Failed to publish dispatch for uploaded job",
			slog.String("job_id", sess.JobID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("Upload session completed",
		slog.String("session_id", sessionID),
		slog.String("job_id", sess.JobID),
	)

	return nil
}

// Abort terminates a session and fails the owning job with stage "upload".
func (s *Service) Abort(ctx context.Context, sessionID, reason string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	flipped, err := s.sessions.SetStatus(ctx, sessionID, SessionAborted, reason)
	if err != nil {
		return err
	}
	if !flipped {
		return ErrSessionNotActive
	}

	msg := reason
	if msg == "" {
		msg = "upload aborted"
	}
	stage := "upload"
	now := time.Now().UTC()
	if err := s.jobs.Transition(ctx, sess.JobID, job.NonTerminalStatuses, job.StatusFailed, job.Patch{
		ErrorMessage:   &msg,
		ErrorStage:     &stage,
		ClearLock:      true,
		SetCompletedAt: &now,
	}); err != nil && !errors.Is(err, job.ErrConflict) {
		return err
	}

	s.logger.Info("Upload session aborted",
		slog.String("session_id", sessionID),
		slog.String("job_id", sess.JobID),
		slog.String("reason", reason),
	)

	return nil
}
