package job

import (
	"database/sql"
	"time"
)

// Job type constants
const (
	TypeClipExtract = "CLIP_EXTRACT"
	TypeSocialPost  = "SOCIAL_POST"
)

// Job status constants
const (
	StatusPending         = "PENDING"
	StatusDownloading     = "DOWNLOADING"
	StatusUploading       = "UPLOADING"
	StatusUploaded        = "UPLOADED"
	StatusAnalyzing       = "ANALYZING"
	StatusPosting         = "POSTING"
	StatusCompleted       = "COMPLETED"
	StatusPartiallyPosted = "PARTIALLY_POSTED"
	StatusFailed          = "FAILED"
)

// StageCancel is the error stage written by user-initiated cancellation.
// Jobs failed at this stage are never resurrected by the retry scan.
const StageCancel = "cancel"

// Job represents a single unit of externally-performed work. The internal ID
// is owned by the store and never leaves the process; JobID is the external
// correlation id used by workers and webhook payloads.
type Job struct {
	ID             int64          `db:"id"`
	JobID          string         `db:"job_id"`
	JobType        string         `db:"job_type"`
	Status         string         `db:"status"`
	Progress       int            `db:"progress"`
	CurrentStep    string         `db:"current_step"`
	InputParams    string         `db:"input_params"`
	LockHolder     sql.NullString `db:"lock_holder"`
	LockAcquiredAt sql.NullTime   `db:"lock_acquired_at"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	RetryCount     int            `db:"retry_count"`
	LastRetryAt    sql.NullTime   `db:"last_retry_at"`
	ScheduledAt    sql.NullTime   `db:"scheduled_at"`
	DispatchedAt   sql.NullTime   `db:"dispatched_at"`
	ErrorMessage   string         `db:"error_message"`
	ErrorStage     string         `db:"error_stage"`
	Result         []byte         `db:"result"`
	TargetResults  []byte         `db:"target_results"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

// TargetResult is the per-target outcome of a fanned-out publishing job. The
// array stored on the job record is the only source of truth for which
// targets succeeded; the aggregate status discards that detail.
type TargetResult struct {
	Target    string `json:"target"`
	Success   bool   `json:"success"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TerminalStatuses accept no further transitions.
var TerminalStatuses = []string{StatusCompleted, StatusPartiallyPosted, StatusFailed}

// NonTerminalStatuses is the complement of TerminalStatuses.
var NonTerminalStatuses = []string{
	StatusPending, StatusDownloading, StatusUploading,
	StatusUploaded, StatusAnalyzing, StatusPosting,
}

// InProgressStatuses are the states in which a lock holder must be set.
var InProgressStatuses = []string{StatusAnalyzing, StatusPosting}

// IsTerminal reports whether a status accepts no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusPartiallyPosted, StatusFailed:
		return true
	}
	return false
}

// ClaimableStatuses returns the set of statuses from which a worker may claim
// a job of the given type, and the in-progress status a successful claim
// moves the job into. The in-progress status itself is part of the claimable
// set: while a live lock rejects any other claimant, a claim on an
// in-progress job whose lock has expired overtakes it, which is how a job
// abandoned by a crashed worker gets reclaimed.
func ClaimableStatuses(jobType string) (from []string, to string) {
	switch jobType {
	case TypeSocialPost:
		return []string{StatusPending, StatusPosting}, StatusPosting
	default:
		return []string{StatusPending, StatusDownloading, StatusUploaded, StatusAnalyzing}, StatusAnalyzing
	}
}

// LockValid reports whether a lock pair still confers ownership at now.
func LockValid(holder sql.NullString, acquiredAt sql.NullTime, now time.Time) bool {
	if !holder.Valid || holder.String == "" {
		return false
	}
	if !acquiredAt.Valid {
		return false
	}
	return now.Sub(acquiredAt.Time) < LockTimeout
}
