package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// LockTimeout bounds how long a crashed worker can keep a job claimed.
	// Chosen to exceed worst-case processing time.
	LockTimeout = 30 * time.Minute

	// MaxRetries caps re-dispatch attempts for a failed job.
	MaxRetries = 3

	// RetryWindow caps how long after creation a failed job keeps being
	// retried.
	RetryWindow = 24 * time.Hour

	// DispatchBatchSize caps dispatches per scan to bound burst load on
	// the worker fleet.
	DispatchBatchSize = 10

	// DispatchPacing is the delay between consecutive dispatches within
	// one scan. Rate limiting only, not ordering.
	DispatchPacing = 500 * time.Millisecond

	// Retention windows for terminal jobs. Produced artifacts outlive the
	// job record.
	FailedRetention   = 7 * 24 * time.Hour
	CompleteRetention = 30 * 24 * time.Hour

	// UploadProgressCeiling is the job progress value corresponding to a
	// fully uploaded input. The remaining range belongs to the worker.
	UploadProgressCeiling = 50
)

// retryBackoff is indexed by retryCount: attempt 1 after 1 minute, attempt 2
// after 5 minutes, attempt 3 after 15 minutes.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// NextRetryAt computes when a failed job becomes due for its next attempt.
// The delay is measured from lastRetryAt, or createdAt if never retried.
func NextRetryAt(retryCount int, lastRetryAt, createdAt time.Time) time.Time {
	base := lastRetryAt
	if base.IsZero() {
		base = createdAt
	}

	idx := retryCount
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	if idx < 0 {
		idx = 0
	}

	return base.Add(retryBackoff[idx])
}

// RetryDue reports whether a failed job is eligible for re-dispatch at now.
func RetryDue(j *Job, now time.Time) bool {
	if j.RetryCount >= MaxRetries {
		return false
	}
	if now.Sub(j.CreatedAt) > RetryWindow {
		return false
	}

	var last time.Time
	if j.LastRetryAt.Valid {
		last = j.LastRetryAt.Time
	}
	return !NextRetryAt(j.RetryCount, last, j.CreatedAt).After(now)
}

// DispatchKey derives the idempotency key for one dispatch attempt. The
// discriminator includes a random nonce on top of the attempt number, so
// even a re-dispatch of the same attempt (a stalled dispatch picked up by a
// later scan) binds a distinct key and a late callback from the superseded
// dispatch cannot be mistaken for the current one's result.
func DispatchKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s:%d:%s", jobID, attempt, uuid.New().String()[:8])
}

// UploadProgress scales chunked-upload completion into the job progress
// sub-range reserved for input acquisition.
func UploadProgress(bytesUploaded, totalBytes int64) int {
	if totalBytes <= 0 {
		return 0
	}
	p := int(int64(UploadProgressCeiling) * bytesUploaded / totalBytes)
	if p > UploadProgressCeiling {
		p = UploadProgressCeiling
	}
	return p
}
