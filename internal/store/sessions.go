package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordSession appends a new resumption point. Rows are append-only: a new
// execution writes a new row rather than mutating the previous one, so the
// history of resumption points survives for audit.
func (s *Store) RecordSession(ctx context.Context, sess AgentSession) error {
	if sess.SessionID == "" || sess.TaskID == "" || sess.AgentType == "" {
		return fmt.Errorf("session needs session_id, task_id, and agent_type")
	}
	if sess.BlobSizeBytes == 0 {
		sess.BlobSizeBytes = len(sess.Blob)
	}
	if sess.ExpiresAt.IsZero() {
		return fmt.Errorf("session needs expires_at")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (session_id, task_id, agent_type, blob, blob_size_bytes, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?);
		`, sess.SessionID, sess.TaskID, sess.AgentType, sess.Blob, sess.BlobSizeBytes, sess.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		return nil
	})
}

// LatestSession returns the most recent non-expired resumption point for the
// task and agent type, or nil when the task must start fresh.
func (s *Store) LatestSession(ctx context.Context, taskID, agentType string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, task_id, agent_type, blob, blob_size_bytes, created_at, expires_at
		FROM agent_sessions
		WHERE task_id = ? AND agent_type = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1;
	`, taskID, agentType, time.Now().UTC())

	var sess AgentSession
	if err := row.Scan(&sess.ID, &sess.SessionID, &sess.TaskID, &sess.AgentType,
		&sess.Blob, &sess.BlobSizeBytes, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return &sess, nil
}

// PurgeExpiredSessions deletes rows past expiry. Called by the housekeeping
// sweep, never by the dispatcher.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM agent_sessions WHERE expires_at <= ?;
		`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge expired sessions: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// SessionCount reports how many resumption points a task has accumulated.
func (s *Store) SessionCount(ctx context.Context, taskID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agent_sessions WHERE task_id = ?;
	`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("session count: %w", err)
	}
	return n, nil
}
