package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// IsProcessed reports whether a message with this dedup key has already been
// durably recorded as handled, and returns the stored payload hash so callers
// can detect key collisions (same key, different payload).
func (s *Store) IsProcessed(ctx context.Context, dedupKey string) (processed bool, payloadHash string, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload_hash FROM processed_messages WHERE dedup_key = ?;
	`, dedupKey)
	if err := row.Scan(&payloadHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("check processed: %w", err)
	}
	return true, payloadHash, nil
}

// MarkProcessed records the dedup key after the message's side effects are
// fully persisted. Returns false when another handler won the race: the
// UNIQUE constraint makes exactly one recording succeed per key.
func (s *Store) MarkProcessed(ctx context.Context, dedupKey, taskID, kind, payloadHash string) (bool, error) {
	var recorded bool
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_messages (dedup_key, task_id, kind, payload_hash)
			VALUES (?, ?, ?, ?);
		`, dedupKey, taskID, kind, payloadHash)
		if err != nil {
			if isUniqueViolation(err) {
				recorded = false
				return nil
			}
			return fmt.Errorf("mark processed: %w", err)
		}
		recorded = true
		return nil
	})
	return recorded, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") || // SQLITE_CONSTRAINT_PRIMARYKEY
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}
