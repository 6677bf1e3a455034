package dto

import "time"

// CreateJobRequest opens a media job. A non-empty source selects the
// remote-fetch entry path; otherwise the client is expected to open an
// upload session against the created job.
type CreateJobRequest struct {
	Source     string         `json:"source"`
	Parameters map[string]any `json:"parameters"`
}

// CreatePostRequest opens a social post job fanning out to one or more
// publishing targets, optionally deferred to a future time.
type CreatePostRequest struct {
	Content     string     `json:"content" binding:"required"`
	MediaRef    string     `json:"media_ref"`
	Targets     []string   `json:"targets" binding:"required,min=1"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	CurrentStep   string `json:"current_step,omitempty"`
	RetryCount    int    `json:"retry_count"`
	ScheduledAt   string `json:"scheduled_at,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorStage    string `json:"error_stage,omitempty"`
	Result        any    `json:"result,omitempty"`
	TargetResults any    `json:"target_results,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// OpenUploadRequest declares the chunk geometry of a session up front.
type OpenUploadRequest struct {
	PartSize   int64 `json:"part_size" binding:"required,gt=0"`
	TotalParts int   `json:"total_parts" binding:"required,gt=0"`
	TotalBytes int64 `json:"total_bytes" binding:"required,gt=0"`
}

type ReportPartRequest struct {
	PartNumber int    `json:"part_number" binding:"required,gte=1"`
	Checksum   string `json:"checksum" binding:"required"`
	SizeBytes  int64  `json:"size_bytes" binding:"required,gt=0"`
}

type AbortUploadRequest struct {
	Reason string `json:"reason"`
}

type SessionDTO struct {
	SessionID     string `json:"session_id"`
	JobID         string `json:"job_id"`
	PartSize      int64  `json:"part_size"`
	TotalParts    int    `json:"total_parts"`
	TotalBytes    int64  `json:"total_bytes"`
	BytesUploaded int64  `json:"bytes_uploaded"`
	Status        string `json:"status"`
}
