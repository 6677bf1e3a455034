package job

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrConflict is returned when a guarded transition's source-status
	// precondition does not match the record's current status
	ErrConflict = errors.New("job status conflict")

	// ErrAlreadyClaimed is returned when a job is held by another worker
	// whose lock has not yet expired
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrNotClaimable is returned when a claim targets a job whose status
	// is outside the claimable set (terminal jobs fail closed here)
	ErrNotClaimable = errors.New("job not in claimable status")

	// ErrStaleKey is returned when a terminal callback carries an
	// idempotency key from a superseded dispatch attempt
	ErrStaleKey = errors.New("stale idempotency key")

	// ErrLockMismatch is returned when a caller presents a lock token that
	// does not match the job's current lock holder
	ErrLockMismatch = errors.New("lock token mismatch")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
