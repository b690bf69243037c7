package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-dispatch/internal/bus"
)

// MessageStatus is the transport-level state of a queue message.
type MessageStatus string

const (
	MessageStatusQueued  MessageStatus = "queued"
	MessageStatusClaimed MessageStatus = "claimed"
	MessageStatusAcked   MessageStatus = "acked"
	MessageStatusDead    MessageStatus = "dead"
)

// Dead-letter reasons.
const (
	DeadReasonMaxDeliveries = "max_deliveries_exhausted"
)

// QueueMessage is one row of the durable message queue. Payload is the
// self-contained JSON envelope; the transport never inspects it beyond kind
// and dedup_key.
type QueueMessage struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	Kind           string        `json:"kind"`
	DedupKey       string        `json:"dedup_key"`
	Payload        string        `json:"payload"`
	Status         MessageStatus `json:"status"`
	AvailableAt    time.Time     `json:"available_at"`
	DeliveryCount  int           `json:"delivery_count"`
	MaxDeliveries  int           `json:"max_deliveries"`
	LeaseOwner     string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	DeadReason     string        `json:"dead_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// EnqueueMessage inserts a message, optionally delayed. Returns the message id.
func (s *Store) EnqueueMessage(ctx context.Context, taskID, kind, dedupKey, payload string, delay time.Duration, maxDeliveries int) (string, error) {
	if maxDeliveries <= 0 {
		maxDeliveries = 4
	}
	id := uuid.NewString()
	availableAt := time.Now().UTC().Add(delay)
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_messages (id, task_id, kind, dedup_key, payload, status, available_at, max_deliveries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, id, taskID, kind, dedupKey, payload, MessageStatusQueued, availableAt, maxDeliveries)
		if err != nil {
			return fmt.Errorf("enqueue message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimNextMessage picks the oldest due queued message, increments its
// delivery count, and takes a lease on it. Messages over their delivery
// budget are moved to dead instead of delivered. Returns nil when the queue
// is empty.
// A negative lease is taken literally and yields an already-expired claim,
// which is how crash recovery is exercised.
func (s *Store) ClaimNextMessage(ctx context.Context, lease time.Duration) (*QueueMessage, error) {
	if lease == 0 {
		lease = defaultLeaseDuration
	}
	// A poisoned head must not block the queue: skip over messages as they
	// dead-letter, bounded to avoid an unbounded scan in one call.
	for i := 0; i < 10; i++ {
		msg, dead, err := s.claimOne(ctx, lease)
		if err != nil {
			return nil, err
		}
		if dead {
			continue
		}
		return msg, nil
	}
	return nil, nil
}

func (s *Store) claimOne(ctx context.Context, lease time.Duration) (msg *QueueMessage, deadLettered bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		msg, deadLettered = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var m QueueMessage
		row := tx.QueryRowContext(ctx, `
			SELECT id, task_id, kind, dedup_key, payload, status, available_at,
				delivery_count, max_deliveries, lease_owner, lease_expires_at,
				dead_reason, created_at, updated_at
			FROM queue_messages
			WHERE status = ? AND available_at <= ?
			ORDER BY available_at ASC, created_at ASC, id ASC
			LIMIT 1;
		`, MessageStatusQueued, time.Now().UTC())
		if scanErr := scanMessage(row.Scan, &m); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return tx.Rollback()
			}
			return fmt.Errorf("select queued message: %w", scanErr)
		}

		if m.DeliveryCount >= m.MaxDeliveries {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_messages
				SET status = ?, dead_reason = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, MessageStatusDead, DeadReasonMaxDeliveries, m.ID, MessageStatusQueued); err != nil {
				return fmt.Errorf("dead-letter message: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit dead-letter tx: %w", err)
			}
			deadLettered = true
			s.publish(bus.TopicQueueDeadLetter, bus.DeadLetterEvent{
				MessageID: m.ID, TaskID: m.TaskID, Kind: m.Kind, Reason: DeadReasonMaxDeliveries,
			})
			return nil
		}

		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = ?, delivery_count = delivery_count + 1,
				lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, MessageStatusClaimed, leaseOwner, leaseExpiresAt, m.ID, MessageStatusQueued)
		if err != nil {
			return fmt.Errorf("claim message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Rollback()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		m.Status = MessageStatusClaimed
		m.DeliveryCount++
		m.LeaseOwner = leaseOwner
		m.LeaseExpiresAt = &leaseExpiresAt
		msg = &m
		return nil
	})
	return msg, deadLettered, err
}

// AckMessage marks a claimed message as handled. Only the lease owner may ack.
func (s *Store) AckMessage(ctx context.Context, messageID, leaseOwner string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, MessageStatusAcked, messageID, MessageStatusClaimed, leaseOwner)
		if err != nil {
			return fmt.Errorf("ack message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("ack rejected for message %s: lease not held", messageID)
		}
		return nil
	})
}

// NackMessage returns a claimed message to the queue after delay. Used when
// handling failed at the transport level (store unavailable, process
// shutting down) rather than at the application level.
func (s *Store) NackMessage(ctx context.Context, messageID, leaseOwner string, delay time.Duration) error {
	availableAt := time.Now().UTC().Add(delay)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = ?, available_at = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, MessageStatusQueued, availableAt, messageID, MessageStatusClaimed, leaseOwner)
		if err != nil {
			return fmt.Errorf("nack message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("nack rejected for message %s: lease not held", messageID)
		}
		return nil
	})
}

// RequeueExpiredLeases returns claimed messages with expired leases to the
// queue. This is the crash-recovery path: a consumer that died mid-handling
// leaves its message claimed, and redelivery is absorbed by the dedup ledger.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = ?, lease_owner = '', lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
		`, MessageStatusQueued, MessageStatusClaimed, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("requeue expired leases: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// QueueDepth counts messages waiting to be delivered.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queue_messages WHERE status = ?;
	`, MessageStatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ListDeadLetters returns dead messages for manual inspection, newest first.
// There is no automatic reprocessing.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]QueueMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, dedup_key, payload, status, available_at,
			delivery_count, max_deliveries, lease_owner, lease_expires_at,
			dead_reason, created_at, updated_at
		FROM queue_messages
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?;
	`, MessageStatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []QueueMessage
	for rows.Next() {
		var m QueueMessage
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(scan func(dest ...any) error, m *QueueMessage) error {
	var leaseOwner sql.NullString
	var leaseExpires sql.NullTime
	if err := scan(&m.ID, &m.TaskID, &m.Kind, &m.DedupKey, &m.Payload, &m.Status,
		&m.AvailableAt, &m.DeliveryCount, &m.MaxDeliveries, &leaseOwner,
		&leaseExpires, &m.DeadReason, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return err
	}
	if leaseOwner.Valid {
		m.LeaseOwner = leaseOwner.String
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		m.LeaseExpiresAt = &t
	}
	return nil
}
