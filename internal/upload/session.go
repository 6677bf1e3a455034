package upload

import (
	"errors"
	"time"
)

// Session status constants
const (
	SessionActive    = "ACTIVE"
	SessionCompleted = "COMPLETED"
	SessionAborted   = "ABORTED"
)

var (
	// ErrSessionNotFound is returned when a session cannot be found
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionNotActive is returned when a part report or completion
	// targets a session that has already been completed or aborted
	ErrSessionNotActive = errors.New("upload session not active")

	// ErrIncomplete is returned when completion is attempted before every
	// part has been reported
	ErrIncomplete = errors.New("upload session has unreported parts")

	// ErrPartOutOfRange is returned when a reported part number falls
	// outside the session's declared geometry
	ErrPartOutOfRange = errors.New("part number out of range")

	// ErrJobNotPending is returned when a session is opened for a job
	// that is past the pending state
	ErrJobNotPending = errors.New("job is not pending")
)

// Session tracks one chunked binary transfer feeding a job's input.
type Session struct {
	SessionID     string    `db:"session_id"`
	JobID         string    `db:"job_id"`
	PartSize      int64     `db:"part_size"`
	TotalParts    int       `db:"total_parts"`
	TotalBytes    int64     `db:"total_bytes"`
	BytesUploaded int64     `db:"bytes_uploaded"`
	Status        string    `db:"status"`
	AbortReason   string    `db:"abort_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// PartReport is the outcome of reporting one chunk.
type PartReport struct {
	AlreadyReported bool
	PartsCompleted  int
	TotalParts      int
	BytesUploaded   int64
}
