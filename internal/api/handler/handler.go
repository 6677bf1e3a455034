package handler

import (
	"context"
	"log/slog"

	"github.com/clipflow/orchestrator/internal/job"
	"github.com/clipflow/orchestrator/internal/job/store"
	"github.com/clipflow/orchestrator/internal/upload"
)

// JobStore is the slice of the job store the HTTP surface needs.
type JobStore interface {
	Create(ctx context.Context, j *job.Job) error
	GetByJobID(ctx context.Context, jobID string) (*job.Job, error)
	Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error
	List(ctx context.Context, filter store.JobFilter) ([]job.Job, error)
}

// UploadService drives chunked upload sessions.
type UploadService interface {
	Open(ctx context.Context, jobID string, partSize int64, totalParts int, totalBytes int64) (*upload.Session, error)
	ReportPart(ctx context.Context, sessionID string, partNumber int, checksum string, sizeBytes int64) (*upload.PartReport, error)
	Complete(ctx context.Context, sessionID string) error
	Abort(ctx context.Context, sessionID, reason string) error
}

// DispatchQueue hands freshly-created ready jobs to the scheduler service.
type DispatchQueue interface {
	PublishDispatch(ctx context.Context, jobID string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobStore
	Uploads UploadService
	Queue   DispatchQueue
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobStore
	queue  DispatchQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
		queue:  deps.Queue,
	}
}

// UploadHandler handles chunked-upload session HTTP requests
type UploadHandler struct {
	logger  *slog.Logger
	uploads UploadService
}

// NewUploadHandler creates a new UploadHandler instance
func NewUploadHandler(deps *Dependencies) *UploadHandler {
	return &UploadHandler{
		logger:  deps.Logger,
		uploads: deps.Uploads,
	}
}
