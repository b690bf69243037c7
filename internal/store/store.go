// Package store is the durable record of tasks, queue messages, dedup keys,
// and agent sessions, backed by SQLite. All writers go through the
// dispatcher; writes happen at well-defined checkpoints only, never during
// in-progress sandbox execution.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-dispatch/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "gd-v1-2026-08-tasks-queue-sessions"

	defaultLeaseDuration = 16 * time.Minute
)

// TaskStatus is the persisted lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending               TaskStatus = "pending"
	TaskStatusProcessing            TaskStatus = "processing"
	TaskStatusAwaitingClarification TaskStatus = "awaiting_clarification"
	TaskStatusPRCreated             TaskStatus = "pr_created"
	TaskStatusCompleted             TaskStatus = "completed"
	TaskStatusError                 TaskStatus = "error"
	TaskStatusCancelled             TaskStatus = "cancelled"
)

// allowedTransitions is the authoritative state machine. Transitions not
// listed here are rejected as no-ops regardless of what a message asks for.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusProcessing: {},
		TaskStatusCancelled:  {},
	},
	TaskStatusProcessing: {
		TaskStatusAwaitingClarification: {},
		TaskStatusPRCreated:             {},
		TaskStatusCompleted:             {},
		TaskStatusError:                 {},
		TaskStatusCancelled:             {},
	},
	TaskStatusAwaitingClarification: {
		TaskStatusProcessing: {}, // clarification answered
		TaskStatusCancelled:  {},
	},
	TaskStatusPRCreated: {
		TaskStatusProcessing: {}, // change request on the open PR
		TaskStatusCancelled:  {},
	},
	TaskStatusCompleted: {
		TaskStatusProcessing: {}, // follow-up reopens the same task
		TaskStatusCancelled:  {},
	},
	TaskStatusError: {
		TaskStatusProcessing: {}, // explicit retry
		TaskStatusCancelled:  {},
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether a status ends automatic processing.
// pr_created and completed still accept follow-up messages but nothing
// happens without one.
func Terminal(status TaskStatus) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusCancelled, TaskStatusError:
		return true
	}
	return false
}

// Task is one logical unit of agent work, tracked end-to-end. Follow-ups
// mutate this row rather than creating a new one; rows are never deleted.
type Task struct {
	TaskID          string     `json:"task_id"`
	Origin          string     `json:"origin"` // chat | issue-tracker | ui
	Status          TaskStatus `json:"status"`
	AgentType       string     `json:"agent_type,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	BranchName      string     `json:"branch_name,omitempty"`
	Labels          string     `json:"labels,omitempty"` // JSON array, as received
	RetryCount      int        `json:"retry_count"`
	LastRetryAt     *time.Time `json:"last_retry_at,omitempty"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorSuggestion string     `json:"error_suggestion,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AgentSession is one persisted resumption point. Written once per completed
// execution, read at most once per resumption attempt, deleted only by the
// expiry sweep.
type AgentSession struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"` // backend-assigned
	TaskID        string    `json:"task_id"`
	AgentType     string    `json:"agent_type"`
	Blob          string    `json:"blob"`
	BlobSizeBytes int       `json:"blob_size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TaskEvent is one row of the append-only transition journal the external
// dashboard reads.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Open opens (creating if necessary) the SQLite store at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			labels TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at DATETIME,
			error_category TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_suggestion TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			blob TEXT NOT NULL,
			blob_size_bytes INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_task ON agent_sessions(task_id, agent_type, created_at);`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			dedup_key TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			delivery_count INTEGER NOT NULL DEFAULT 0,
			max_deliveries INTEGER NOT NULL DEFAULT 4,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at DATETIME,
			dead_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_avail ON queue_messages(status, available_at);`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
