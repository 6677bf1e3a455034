package job

import "time"

// Patch carries the optional field updates applied alongside a guarded
// transition. Nil pointers leave the column untouched.
type Patch struct {
	Progress       *int
	CurrentStep    *string
	ErrorMessage   *string
	ErrorStage     *string
	Result         []byte
	TargetResults  []byte
	IdempotencyKey *string
	RetryCount     *int
	LastRetryAt    *time.Time
	DispatchedAt   *time.Time
	SetLockHolder  *string
	SetLockAt      *time.Time
	ClearLock      bool
	SetCompletedAt *time.Time
}
