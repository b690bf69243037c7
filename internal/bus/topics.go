package bus

// Task lifecycle topics published by the dispatcher.
const (
	TopicTaskStateChanged  = "task.state_changed"
	TopicTaskCompleted     = "task.completed"
	TopicTaskFailed        = "task.failed"
	TopicTaskRetrying      = "task.retrying"
	TopicTaskClarification = "task.clarification"
	TopicTaskCancelled     = "task.cancelled"
	TopicTaskPROpened      = "task.pr_opened"
)

// TopicQueueDeadLetter is published by the store when a message exhausts its
// delivery budget and moves to the dead-letter table.
const TopicQueueDeadLetter = "queue.dead_letter"

// DeadLetterEvent carries the identity of a dead-lettered message.
type DeadLetterEvent struct {
	MessageID string
	TaskID    string
	Kind      string
	Reason    string
}

// TaskStateChangedEvent is published when a task's persisted status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. pending)
	NewStatus string // New status (e.g. processing)
}

// TaskResultEvent is published on terminal task outcomes so notifiers can
// render a user-facing message without re-reading the store.
type TaskResultEvent struct {
	TaskID          string
	Origin          string
	AgentType       string
	PRURL           string
	Summary         string
	ErrorCategory   string
	ErrorMessage    string
	ErrorSuggestion string
}

// TaskRetryEvent is published when the dispatcher schedules an internal retry.
type TaskRetryEvent struct {
	TaskID  string
	Attempt int
	DelayMs int64
	Reason  string
}
