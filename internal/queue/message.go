// Package queue carries task messages from external intake to the
// dispatcher: a tagged-union message model with deterministic dedup keys, a
// schema-validating producer, and a polling consumer with leases and
// dead-lettering. Delivery is at-least-once and possibly out of order; the
// dispatcher's dedup ledger and state-machine preconditions absorb both.
package queue

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind discriminates the message union.
type Kind string

const (
	// KindNewTask starts a task from an issue-tracker or UI event.
	KindNewTask Kind = "task.new"
	// KindChatTask starts a task from a chat command.
	KindChatTask Kind = "task.chat"
	// KindClarificationAnswer resumes a task waiting on the user.
	KindClarificationAnswer Kind = "task.clarification_answer"
	// KindChangeRequest reopens a successfully finished task.
	KindChangeRequest Kind = "task.change_request"
	// KindRetry is the internal delayed retry after a transient sandbox failure.
	KindRetry Kind = "task.retry"
	// KindCancel cancels any non-terminal task.
	KindCancel Kind = "task.cancel"
)

// Message is the self-contained envelope for every kind. It carries enough
// payload to reconstruct execution context without a prior read; which fields
// are populated depends on Type and is enforced by the schema at enqueue.
type Message struct {
	Type   Kind   `json:"type"`
	TaskID string `json:"task_id"`
	Origin string `json:"origin,omitempty"` // chat | issue-tracker | ui

	Title  string   `json:"title,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
	Labels []string `json:"labels,omitempty"`

	// Explicit backend overrides. These beat label-implied selection.
	AgentType string `json:"agent_type,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	RepoURL    string `json:"repo_url,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	IssueID    string `json:"issue_id,omitempty"`

	// ChatTimestamp is the source idempotency token for chat-originated
	// kinds. Uniqueness is assumed from the chat platform, not guaranteed.
	ChatTimestamp string `json:"chat_timestamp,omitempty"`

	Answer  string `json:"answer,omitempty"`  // clarification answer text
	Attempt int    `json:"attempt,omitempty"` // retry ordinal, 1-based (first retry = 1)
	Reason  string `json:"reason,omitempty"`  // retry/cancel context
}

// DedupKey derives the duplicate-detection key without side effects:
// taskID + kind + a source-specific idempotency token.
func (m Message) DedupKey() string {
	var token string
	switch m.Type {
	case KindNewTask:
		token = m.BranchName
		if token == "" {
			token = m.IssueID
		}
	case KindChatTask, KindClarificationAnswer, KindChangeRequest:
		token = m.ChatTimestamp
	case KindRetry:
		token = strconv.Itoa(m.Attempt)
	case KindCancel:
		token = m.ChatTimestamp
		if token == "" {
			token = "explicit"
		}
	}
	return fmt.Sprintf("%s:%s:%s", m.TaskID, m.Type, token)
}

// PayloadHash fingerprints the full envelope. Stored alongside the dedup key
// so a key collision (same key, different payload) is detectable in the
// ledger even though the second message is dropped.
func (m Message) PayloadHash() string {
	raw, _ := json.Marshal(m)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:16])
}

// Encode renders the envelope for the queue payload column.
func (m Message) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(raw), nil
}

// Decode parses a queue payload back into a Message.
func Decode(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" || m.TaskID == "" {
		return Message{}, fmt.Errorf("message missing type or task_id")
	}
	return m, nil
}
