package upload

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists upload sessions and their reported parts in Postgres.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Insert persists a newly opened session.
func (s *Store) Insert(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO upload_sessions (
			session_id, job_id, part_size, total_parts, total_bytes,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		sess.SessionID,
		sess.JobID,
		sess.PartSize,
		sess.TotalParts,
		sess.TotalBytes,
		sess.Status,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert upload session: %w", err)
	}

	return nil
}

// Get retrieves a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	query := `
		SELECT session_id, job_id, part_size, total_parts, total_bytes,
		       bytes_uploaded, status, abort_reason, created_at, updated_at
		FROM upload_sessions
		WHERE session_id = $1
	`

	err := s.db.GetContext(ctx, &sess, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	return &sess, nil
}

// InsertPart records one part report. Reporting the same part number twice is
// idempotent: the insert is append-if-absent and a duplicate affects zero
// rows, in which case bytes_uploaded is left alone.
func (s *Store) InsertPart(ctx context.Context, sessionID string, partNumber int, checksum string, sizeBytes int64) (bool, error) {
	query := `
		INSERT INTO upload_parts (session_id, part_number, checksum, size_bytes, reported_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, part_number) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query, sessionID, partNumber, checksum, sizeBytes, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert upload part: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return false, nil
	}

	update := `
		UPDATE upload_sessions
		SET bytes_uploaded = bytes_uploaded + $1, updated_at = $2
		WHERE session_id = $3
	`
	if _, err := s.db.ExecContext(ctx, update, sizeBytes, time.Now().UTC(), sessionID); err != nil {
		return true, fmt.Errorf("failed to update bytes uploaded: %w", err)
	}

	return true, nil
}

// CountParts returns the number of distinct parts reported so far.
func (s *Store) CountParts(ctx context.Context, sessionID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM upload_parts WHERE session_id = $1`

	if err := s.db.GetContext(ctx, &count, query, sessionID); err != nil {
		return 0, fmt.Errorf("failed to count upload parts: %w", err)
	}

	return count, nil
}

// SetStatus flips the session out of ACTIVE exactly once; a session that is
// already terminal affects zero rows and reports false.
func (s *Store) SetStatus(ctx context.Context, sessionID, to, abortReason string) (bool, error) {
	query := `
		UPDATE upload_sessions
		SET status = $1, abort_reason = $2, updated_at = $3
		WHERE session_id = $4 AND status = $5
	`

	res, err := s.db.ExecContext(ctx, query, to, abortReason, time.Now().UTC(), sessionID, SessionActive)
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
