// Package jobtest provides an in-memory job store with the same
// compare-and-set semantics as the Postgres store, for use in service tests.
package jobtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/clipflow/orchestrator/internal/job"
)

func hasSource(params string) bool {
	var p struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return false
	}
	return p.Source != ""
}

// MemStore holds job records in memory behind a mutex.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*job.Job)}
}

// Put seeds a record directly, bypassing transition guards.
func (m *MemStore) Put(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.JobID] = &cp
}

// Create inserts a record the way the real store does.
func (m *MemStore) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	cp.ID = int64(len(m.jobs) + 1)
	m.jobs[j.JobID] = &cp
	j.ID = cp.ID
	return nil
}

// GetByJobID returns a copy of the record.
func (m *MemStore) GetByJobID(ctx context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func applyPatch(j *job.Job, patch job.Patch) {
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.CurrentStep != nil {
		j.CurrentStep = *patch.CurrentStep
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStage != nil {
		j.ErrorStage = *patch.ErrorStage
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.TargetResults != nil {
		j.TargetResults = patch.TargetResults
	}
	if patch.IdempotencyKey != nil {
		j.IdempotencyKey = sql.NullString{String: *patch.IdempotencyKey, Valid: true}
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.LastRetryAt != nil {
		j.LastRetryAt = sql.NullTime{Time: *patch.LastRetryAt, Valid: true}
	}
	if patch.DispatchedAt != nil {
		j.DispatchedAt = sql.NullTime{Time: *patch.DispatchedAt, Valid: true}
	}
	if patch.SetLockHolder != nil {
		j.LockHolder = sql.NullString{String: *patch.SetLockHolder, Valid: true}
	}
	if patch.SetLockAt != nil {
		j.LockAcquiredAt = sql.NullTime{Time: *patch.SetLockAt, Valid: true}
	}
	if patch.ClearLock {
		j.LockHolder = sql.NullString{}
		j.LockAcquiredAt = sql.NullTime{}
	}
	if patch.SetCompletedAt != nil {
		j.CompletedAt = sql.NullTime{Time: *patch.SetCompletedAt, Valid: true}
	}
	j.UpdatedAt = time.Now().UTC()
}

// Transition mirrors the guarded UPDATE: no status match, no side effects.
func (m *MemStore) Transition(ctx context.Context, jobID string, from []string, to string, patch job.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return job.ErrConflict
	}
	if !statusIn(j.Status, from) {
		return job.ErrConflict
	}
	j.Status = to
	applyPatch(j, patch)
	return nil
}

// Claim mirrors the atomic claim UPDATE including expired-lock overtake.
func (m *MemStore) Claim(ctx context.Context, jobID, lockToken string, claimable []string, to string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrAlreadyClaimed
	}
	if !statusIn(j.Status, claimable) {
		return nil, job.ErrAlreadyClaimed
	}
	free := !j.LockHolder.Valid ||
		j.LockHolder.String == lockToken ||
		(j.LockAcquiredAt.Valid && j.LockAcquiredAt.Time.Before(now.Add(-job.LockTimeout)))
	if !free {
		return nil, job.ErrAlreadyClaimed
	}
	j.Status = to
	j.LockHolder = sql.NullString{String: lockToken, Valid: true}
	j.LockAcquiredAt = sql.NullTime{Time: now.UTC(), Valid: true}
	j.UpdatedAt = now.UTC()
	cp := *j
	return &cp, nil
}

// UpdateProgress writes only under a matching lock token; progress never
// moves backwards.
func (m *MemStore) UpdateProgress(ctx context.Context, jobID, lockToken string, progress int, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !j.LockHolder.Valid || j.LockHolder.String != lockToken {
		return false, nil
	}
	if !statusIn(j.Status, job.InProgressStatuses) {
		return false, nil
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	now := time.Now().UTC()
	j.LockAcquiredAt = sql.NullTime{Time: now, Valid: true}
	j.UpdatedAt = now
	return true, nil
}

// CompleteWithKey finalizes the job iff the idempotency key matches.
func (m *MemStore) CompleteWithKey(ctx context.Context, jobID, idempotencyKey string, result []byte) error {
	return m.terminalWithKey(jobID, idempotencyKey, job.StatusCompleted, result, "", "")
}

// FailWithKey is the failure counterpart of CompleteWithKey.
func (m *MemStore) FailWithKey(ctx context.Context, jobID, idempotencyKey, errMsg, errStage string) error {
	return m.terminalWithKey(jobID, idempotencyKey, job.StatusFailed, nil, errMsg, errStage)
}

func (m *MemStore) terminalWithKey(jobID, idempotencyKey, to string, result []byte, errMsg, errStage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if job.IsTerminal(j.Status) {
		return job.ErrConflict
	}
	if !j.IdempotencyKey.Valid || j.IdempotencyKey.String != idempotencyKey {
		return job.ErrStaleKey
	}
	j.Status = to
	if result != nil {
		j.Result = result
	}
	j.ErrorMessage = errMsg
	j.ErrorStage = errStage
	if to == job.StatusCompleted {
		j.Progress = 100
	}
	j.LockHolder = sql.NullString{}
	j.LockAcquiredAt = sql.NullTime{}
	now := time.Now().UTC()
	j.CompletedAt = sql.NullTime{Time: now, Valid: true}
	j.UpdatedAt = now
	return nil
}

// ListQueued mirrors the queued scan predicate.
func (m *MemStore) ListQueued(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		ready := (j.JobType == job.TypeClipExtract && j.Status == job.StatusUploaded) ||
			(j.JobType == job.TypeClipExtract && j.Status == job.StatusPending && hasSource(j.InputParams)) ||
			(j.JobType == job.TypeSocialPost && j.Status == job.StatusPending && !j.ScheduledAt.Valid)
		if !ready {
			continue
		}
		if j.DispatchedAt.Valid && !j.DispatchedAt.Time.Before(now.Add(-job.LockTimeout)) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// ListStalled mirrors the stalled-claim scan predicate.
func (m *MemStore) ListStalled(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-job.LockTimeout)
	var out []job.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if !statusIn(j.Status, job.InProgressStatuses) {
			continue
		}
		if !j.LockAcquiredAt.Valid || !j.LockAcquiredAt.Time.Before(cutoff) {
			continue
		}
		if j.DispatchedAt.Valid && !j.DispatchedAt.Time.Before(cutoff) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// ListDue mirrors the due-scheduled scan predicate.
func (m *MemStore) ListDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != job.StatusPending || !j.ScheduledAt.Valid || j.ScheduledAt.Time.After(now) {
			continue
		}
		if j.DispatchedAt.Valid && !j.DispatchedAt.Time.Before(now.Add(-job.LockTimeout)) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// ListRetryable mirrors the retryable-failed scan predicate.
func (m *MemStore) ListRetryable(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.Job
	for _, j := range m.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status != job.StatusFailed || j.RetryCount >= job.MaxRetries {
			continue
		}
		if j.ErrorStage == job.StageCancel {
			continue
		}
		if j.CreatedAt.Before(now.Add(-job.RetryWindow)) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// PruneTerminal mirrors the retention sweep.
func (m *MemStore) PruneTerminal(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, j := range m.jobs {
		if !j.CompletedAt.Valid {
			continue
		}
		age := now.Sub(j.CompletedAt.Time)
		switch {
		case j.Status == job.StatusFailed && age > job.FailedRetention:
			delete(m.jobs, id)
			pruned++
		case (j.Status == job.StatusCompleted || j.Status == job.StatusPartiallyPosted) && age > job.CompleteRetention:
			delete(m.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}
