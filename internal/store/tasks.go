package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-dispatch/internal/bus"
)

// ErrTaskNotFound is returned when a task_id has no row.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask inserts the task row in pending if it does not exist yet.
// Returns false when the row already existed (a follow-up or redelivery);
// the existing row is left untouched either way.
func (s *Store) CreateTask(ctx context.Context, t Task) (bool, error) {
	if t.TaskID == "" {
		return false, fmt.Errorf("task_id must be non-empty")
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.Labels == "" {
		t.Labels = "[]"
	}
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, origin, status, agent_type, provider, branch_name, labels, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO NOTHING;
		`, t.TaskID, t.Origin, t.Status, t.AgentType, t.Provider, t.BranchName, t.Labels)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n > 0
		if created {
			if err := s.appendTaskEventTx(ctx, tx, t.TaskID, "task.created", "", t.Status, ""); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return created, err
}

// GetTask returns the task row or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, origin, status, agent_type, provider, branch_name, labels,
			retry_count, last_retry_at, error_category, error_message, error_suggestion,
			created_at, updated_at
		FROM tasks WHERE task_id = ?;
	`, taskID)

	var t Task
	var lastRetry sql.NullTime
	if err := row.Scan(&t.TaskID, &t.Origin, &t.Status, &t.AgentType, &t.Provider,
		&t.BranchName, &t.Labels, &t.RetryCount, &lastRetry,
		&t.ErrorCategory, &t.ErrorMessage, &t.ErrorSuggestion,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	if lastRetry.Valid {
		t.LastRetryAt = &lastRetry.Time
	}
	return &t, nil
}

// TransitionStatus moves the task from one of the expected statuses to the
// target status. Returns false without error when the persisted status does
// not match any of from (stale or duplicate delivery) or when the transition
// is not in the state machine. This conditional write is the only defense
// against out-of-order delivery; there is no lock.
func (s *Store) TransitionStatus(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition needs at least one expected prior status")
	}
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		ok = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read task status: %w", err)
		}

		matched := false
		for _, f := range from {
			if current == f {
				matched = true
				break
			}
		}
		if !matched || !CanTransition(current, to) {
			return tx.Rollback()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = ?;
		`, to, taskID, current)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Rollback()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "task.state_changed", current, to, ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		ok = true
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(current),
			NewStatus: string(to),
		})
		return nil
	})
	return ok, err
}

// IncrementRetry bumps retry_count and stamps last_retry_at, returning the
// new count. Task status is deliberately untouched: a transient sandbox
// failure leaves the task in processing while the retry message waits.
func (s *Store) IncrementRetry(ctx context.Context, taskID string) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET retry_count = retry_count + 1, last_retry_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		return s.db.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE task_id = ?;`, taskID).Scan(&count)
	})
	return count, err
}

// ResetRetry clears retry_count after a successful execution.
func (s *Store) ResetRetry(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET retry_count = 0, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?;
		`, taskID)
		if err != nil {
			return fmt.Errorf("reset retry: %w", err)
		}
		return nil
	})
}

// SetTaskError records the structured error the notifier will render.
func (s *Store) SetTaskError(ctx context.Context, taskID, category, message, suggestion string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET error_category = ?, error_message = ?, error_suggestion = ?, updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, category, message, suggestion, taskID)
		if err != nil {
			return fmt.Errorf("set task error: %w", err)
		}
		return nil
	})
}

// SetTaskExecution records which backend/branch a round actually used.
func (s *Store) SetTaskExecution(ctx context.Context, taskID, agentType, provider, branchName string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET agent_type = ?, provider = ?, branch_name = CASE WHEN ? != '' THEN ? ELSE branch_name END,
				updated_at = CURRENT_TIMESTAMP
			WHERE task_id = ?;
		`, agentType, provider, branchName, branchName, taskID)
		if err != nil {
			return fmt.Errorf("set task execution: %w", err)
		}
		return nil
	})
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, payload string) error {
	var stateFrom interface{}
	if from != "" {
		stateFrom = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, stateFrom, to, payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the transition journal for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, state_from, state_to, payload, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var stateFrom sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			ev.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns how many tasks sit in each status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
