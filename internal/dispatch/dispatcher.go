// Package dispatch is the task orchestrator: it consumes queue messages,
// enforces dedup and state-machine preconditions, routes to an agent backend,
// carries session state across ephemeral sandboxes, and persists every
// outcome at well-defined checkpoints only.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/backoff"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/queue"
	"github.com/basket/go-dispatch/internal/sandbox"
	"github.com/basket/go-dispatch/internal/session"
	"github.com/basket/go-dispatch/internal/shared"
	"github.com/basket/go-dispatch/internal/store"
)

// Config tunes the dispatcher.
type Config struct {
	// Retry bounds task-level rescheduling after transient sandbox failures.
	Retry backoff.Policy
	// SessionTTL is how long a persisted session stays eligible for resumption.
	SessionTTL time.Duration
	// ProjectsDir is where agent backends keep transcripts, shared with the
	// sandbox in local mode.
	ProjectsDir string
	// WorkspaceRoot is the working-directory root inside the sandbox. The
	// transcript path derives from it, so it must match the sandbox image.
	WorkspaceRoot string
}

// Dispatcher implements queue.Handler.
type Dispatcher struct {
	store    *store.Store
	registry *agent.Registry
	router   *agent.Router
	producer *queue.Producer
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
	config   Config

	// credentials is swappable for tests; defaults to the fixed env table.
	credentials func(provider string) (string, error)

	mu     sync.Mutex
	active map[string]agent.Strategy // task id -> in-flight strategy
}

// New builds a Dispatcher. metrics and eventBus may be nil.
func New(st *store.Store, registry *agent.Registry, router *agent.Router,
	producer *queue.Producer, eventBus *bus.Bus, metrics *otel.Metrics,
	logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Retry.InitialDelay <= 0 && cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = backoff.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "/workspace"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		registry:    registry,
		router:      router,
		producer:    producer,
		bus:         eventBus,
		metrics:     metrics,
		logger:      logger,
		config:      cfg,
		credentials: config.CredentialFor,
		active:      make(map[string]agent.Strategy),
	}
}

// WatchDeadLetters counts transport dead-letter events on the metrics
// instrument. The store publishes the event from inside the claim
// transaction; nothing else in the process observes it. The goroutine exits
// when ctx is cancelled.
func (d *Dispatcher) WatchDeadLetters(ctx context.Context) {
	if d.bus == nil || d.metrics == nil {
		return
	}
	sub := d.bus.Subscribe(bus.TopicQueueDeadLetter)
	go func() {
		defer d.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				d.metrics.DeadLetters.Add(ctx, 1)
				if dl, isDL := ev.Payload.(bus.DeadLetterEvent); isDL {
					d.logger.Warn("message dead-lettered",
						"message_id", dl.MessageID, "task_id", dl.TaskID,
						"kind", dl.Kind, "reason", dl.Reason)
				}
			}
		}
	}()
}

// Handle processes one message end to end. The ordering inside is the whole
// point: dedup first, then the state precondition, and no store write until
// the sandbox has fully returned.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) queue.Outcome {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, msg.TaskID)
	log := d.logger.With("trace_id", shared.TraceID(ctx), "task_id", msg.TaskID, "kind", msg.Type)
	if id := shared.MessageID(ctx); id != "" {
		log = log.With("message_id", id)
	}

	if d.metrics != nil {
		d.metrics.MessagesConsumed.Add(ctx, 1)
		d.metrics.ActiveHandlers.Add(ctx, 1)
		defer d.metrics.ActiveHandlers.Add(ctx, -1)
	}

	dedupKey := msg.DedupKey()
	processed, prevHash, err := d.store.IsProcessed(ctx, dedupKey)
	if err != nil {
		log.Error("dedup lookup failed", "error", err)
		return queue.OutcomeTransport
	}
	if processed {
		if prevHash != msg.PayloadHash() {
			// Same dedup key, different payload. The first writer won; the
			// hashes make the collision visible in the ledger.
			log.Debug("dedup key collision, dropping second payload",
				"dedup_key", dedupKey, "first_hash", prevHash, "second_hash", msg.PayloadHash())
		}
		if d.metrics != nil {
			d.metrics.DuplicatesDropped.Add(ctx, 1)
		}
		log.Debug("duplicate message dropped", "dedup_key", dedupKey)
		return queue.OutcomeOK
	}

	if msg.Type == queue.KindCancel {
		return d.handleCancel(ctx, log, msg)
	}
	return d.handleExecute(ctx, log, msg)
}

// checkPrecondition validates and applies the state-machine entry transition
// for the message kind. ok=false means the message is stale.
func (d *Dispatcher) checkPrecondition(ctx context.Context, msg queue.Message, current store.TaskStatus) (ok bool, storeErr error) {
	switch msg.Type {
	case queue.KindNewTask, queue.KindChatTask:
		if current != store.TaskStatusPending {
			return false, nil
		}
		return d.store.TransitionStatus(ctx, msg.TaskID,
			[]store.TaskStatus{store.TaskStatusPending}, store.TaskStatusProcessing)
	case queue.KindClarificationAnswer:
		if current != store.TaskStatusAwaitingClarification {
			return false, nil
		}
		return d.store.TransitionStatus(ctx, msg.TaskID,
			[]store.TaskStatus{store.TaskStatusAwaitingClarification}, store.TaskStatusProcessing)
	case queue.KindChangeRequest:
		if current != store.TaskStatusPRCreated && current != store.TaskStatusCompleted {
			return false, nil
		}
		return d.store.TransitionStatus(ctx, msg.TaskID,
			[]store.TaskStatus{store.TaskStatusPRCreated, store.TaskStatusCompleted}, store.TaskStatusProcessing)
	case queue.KindRetry:
		// Internal retries run while the task is still processing; an
		// explicit user retry reopens a failed task.
		switch current {
		case store.TaskStatusProcessing:
			return true, nil
		case store.TaskStatusError:
			return d.store.TransitionStatus(ctx, msg.TaskID,
				[]store.TaskStatus{store.TaskStatusError}, store.TaskStatusProcessing)
		default:
			return false, nil
		}
	default:
		return false, nil
	}
}

func (d *Dispatcher) handleExecute(ctx context.Context, log *slog.Logger, msg queue.Message) queue.Outcome {
	task, err := d.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		// A retry or answer for a task that was never created. Stale.
		log.Warn("message for unknown task dropped")
		d.dropStale(ctx, log)
		return queue.OutcomeOK
	}
	if err != nil {
		log.Error("load task", "error", err)
		return queue.OutcomeTransport
	}

	ok, err := d.checkPrecondition(ctx, msg, task.Status)
	if err != nil {
		log.Error("precondition transition", "error", err)
		return queue.OutcomeTransport
	}
	if !ok {
		log.Info("stale message dropped by state precondition", "status", task.Status)
		d.dropStale(ctx, log)
		return queue.OutcomeOK
	}

	sel := d.router.Resolve(d.labelsFor(msg, task), agent.Selection{
		AgentType: msg.AgentType,
		Provider:  msg.Provider,
		Model:     msg.Model,
	})
	log = log.With("agent_type", sel.AgentType, "provider", sel.Provider)

	if err := d.store.SetTaskExecution(ctx, msg.TaskID, sel.AgentType, sel.Provider, msg.BranchName); err != nil {
		log.Error("record execution backend", "error", err)
		return queue.OutcomeTransport
	}

	strategy, err := d.registry.New(sel.AgentType)
	if err != nil {
		return d.failTask(ctx, log, msg, task, CategoryValidation, err.Error(), "")
	}

	ec, outcome := d.buildExecutionContext(ctx, log, msg, task, sel, strategy)
	if outcome != nil {
		return *outcome
	}

	if err := strategy.Validate(ec); err != nil {
		return d.failTask(ctx, log, msg, task, CategoryValidation, err.Error(), "")
	}

	d.registerActive(msg.TaskID, strategy)
	resp, execErr := strategy.Execute(ctx, ec)
	d.unregisterActive(msg.TaskID)

	if execErr != nil {
		if refreshed, err := d.store.GetTask(ctx, msg.TaskID); err == nil && refreshed.Status == store.TaskStatusCancelled {
			// Abort raced the execution; the cancel path already settled the task.
			log.Info("execution aborted by cancel")
			return d.markAndReturn(ctx, log, msg, queue.OutcomeOK)
		}
		return d.failTask(ctx, log, msg, task, CategoryApplication, execErr.Error(), "")
	}

	if d.metrics != nil {
		d.metrics.SandboxDuration.Record(ctx, resp.Duration.Seconds())
		d.metrics.SandboxAttempts.Record(ctx, int64(resp.Attempts))
	}

	if resp.OK {
		return d.succeed(ctx, log, msg, task, strategy, resp)
	}
	return d.failSandbox(ctx, log, msg, task, resp.Failure)
}

// buildExecutionContext resolves credentials and attaches resumption state.
// A non-nil outcome short-circuits the handler.
func (d *Dispatcher) buildExecutionContext(ctx context.Context, log *slog.Logger,
	msg queue.Message, task *store.Task, sel agent.Selection, strategy agent.Strategy) (agent.Context, *queue.Outcome) {

	ec := agent.Context{
		TaskID:     msg.TaskID,
		Prompt:     d.promptFor(msg),
		RepoURL:    msg.RepoURL,
		BranchName: d.branchFor(msg, task),
		Provider:   sel.Provider,
		Model:      sel.Model,
	}

	key, err := d.credentials(sel.Provider)
	if err != nil {
		o := d.failTask(ctx, log, msg, task, CategoryValidation, err.Error(), "")
		return ec, &o
	}
	envVar, _ := config.CredentialEnvVar(sel.Provider)
	ec.Credentials = map[string]string{envVar: key}

	if !strategy.Capabilities().SupportsSessionManagement {
		return ec, nil
	}

	prior, err := d.store.LatestSession(ctx, msg.TaskID, sel.AgentType)
	if err != nil {
		log.Error("load prior session", "error", err)
		o := queue.OutcomeTransport
		return ec, &o
	}
	if prior == nil {
		return ec, nil
	}

	// Restore must land before the backend starts: it finds prior context by
	// path convention only. A failed restore degrades to a fresh start.
	transcript := session.TranscriptPath(d.config.ProjectsDir, d.workDirFor(msg.TaskID), prior.SessionID)
	if err := session.Restore(prior.Blob, transcript); err != nil {
		log.Warn("session restore failed, starting fresh", "session_id", prior.SessionID, "error", err)
		return ec, nil
	}
	ec.ResumeSessionID = prior.SessionID
	ec.SessionBlob = prior.Blob
	log.Info("session attached for resumption", "session_id", prior.SessionID, "blob_bytes", prior.BlobSizeBytes)
	return ec, nil
}

func (d *Dispatcher) succeed(ctx context.Context, log *slog.Logger, msg queue.Message,
	task *store.Task, strategy agent.Strategy, resp *sandbox.TaskResponse) queue.Outcome {

	d.persistSession(ctx, log, msg.TaskID, strategy, resp)

	var (
		next  store.TaskStatus
		topic string
	)
	switch {
	case resp.NeedsClarification:
		next, topic = store.TaskStatusAwaitingClarification, bus.TopicTaskClarification
	case resp.PRURL != "":
		next, topic = store.TaskStatusPRCreated, bus.TopicTaskPROpened
	default:
		next, topic = store.TaskStatusCompleted, bus.TopicTaskCompleted
	}

	ok, err := d.store.TransitionStatus(ctx, msg.TaskID,
		[]store.TaskStatus{store.TaskStatusProcessing}, next)
	if err != nil {
		log.Error("advance task status", "error", err)
		return queue.OutcomeTransport
	}
	if !ok {
		// A concurrent cancel won the race after execution finished. The
		// result is persisted as a session but the task stays cancelled.
		log.Info("post-execution transition rejected", "wanted", next)
		return d.markAndReturn(ctx, log, msg, queue.OutcomeOK)
	}

	if err := d.store.ResetRetry(ctx, msg.TaskID); err != nil {
		log.Warn("reset retry count", "error", err)
	}
	if d.metrics != nil {
		d.metrics.TasksCompleted.Add(ctx, 1)
	}
	d.publish(topic, bus.TaskResultEvent{
		TaskID:    msg.TaskID,
		Origin:    task.Origin,
		AgentType: strategy.Name(),
		PRURL:     resp.PRURL,
		Summary:   d.summaryFor(resp),
	})
	log.Info("task execution finished", "status", next, "pr_url", resp.PRURL, "attempts", resp.Attempts)
	return d.markAndReturn(ctx, log, msg, queue.OutcomeOK)
}

// persistSession stores the returned transcript for future resumption.
// Extraction failure is logged and swallowed: continuity is recoverable,
// the task result is not.
func (d *Dispatcher) persistSession(ctx context.Context, log *slog.Logger, taskID string,
	strategy agent.Strategy, resp *sandbox.TaskResponse) {

	if !strategy.Capabilities().SupportsSessionManagement || resp.SessionID == "" {
		return
	}

	blob := resp.SessionBlob
	if blob == "" {
		transcript := session.TranscriptPath(d.config.ProjectsDir, d.workDirFor(taskID), resp.SessionID)
		extracted, err := session.Extract(transcript)
		if err != nil {
			log.Warn("session extraction failed, continuity lost", "session_id", resp.SessionID, "error", err)
			return
		}
		blob = extracted
	} else if _, err := session.Decode(blob); err != nil {
		log.Warn("returned session blob is corrupt, discarding", "session_id", resp.SessionID, "error", err)
		return
	}

	err := d.store.RecordSession(ctx, store.AgentSession{
		SessionID: resp.SessionID,
		TaskID:    taskID,
		AgentType: strategy.Name(),
		Blob:      blob,
		ExpiresAt: time.Now().UTC().Add(d.config.SessionTTL),
	})
	if err != nil {
		log.Warn("persist session", "session_id", resp.SessionID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.SessionBlobBytes.Record(ctx, int64(len(blob)))
	}
	log.Info("session persisted", "session_id", resp.SessionID, "blob_bytes", len(blob))
}

// failSandbox handles a structured sandbox failure: transient failures with
// budget left become a delayed retry message, everything else is terminal.
func (d *Dispatcher) failSandbox(ctx context.Context, log *slog.Logger, msg queue.Message,
	task *store.Task, failure *sandbox.Failure) queue.Outcome {

	cat := classifyFailure(failure)
	if cat != CategoryInfrastructureTransient {
		return d.failTask(ctx, log, msg, task, cat, failure.Message, failure.Suggestion)
	}

	count, err := d.store.IncrementRetry(ctx, msg.TaskID)
	if err != nil {
		log.Error("increment retry count", "error", err)
		return queue.OutcomeTransport
	}
	if count >= d.config.Retry.MaxRetries {
		log.Warn("retry budget exhausted", "retry_count", count)
		return d.failTask(ctx, log, msg, task, CategoryInfrastructureTransient,
			failure.Message, failure.Suggestion)
	}

	delay := d.config.Retry.Delay(count - 1)
	retryMsg := msg
	retryMsg.Type = queue.KindRetry
	retryMsg.Attempt = count
	retryMsg.Reason = failure.Message
	if _, err := d.producer.Enqueue(ctx, retryMsg, delay); err != nil {
		log.Error("schedule retry", "error", err)
		return queue.OutcomeTransport
	}
	if d.metrics != nil {
		d.metrics.RetriesScheduled.Add(ctx, 1)
	}
	d.publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
		TaskID:  msg.TaskID,
		Attempt: count,
		DelayMs: delay.Milliseconds(),
		Reason:  failure.Message,
	})
	log.Info("transient sandbox failure, retry scheduled",
		"retry_count", count, "delay", delay, "reason", failure.Message)
	return d.markAndReturn(ctx, log, msg, queue.OutcomeRetryable)
}

// failTask settles a terminal failure: structured error persisted, status
// moved to error, notifier informed. The message is acknowledged; transport
// redelivery is absorbed by the dedup ledger.
func (d *Dispatcher) failTask(ctx context.Context, log *slog.Logger, msg queue.Message,
	task *store.Task, cat Category, message, suggestion string) queue.Outcome {

	suggestion = suggestionFor(cat, suggestion)
	if err := d.store.SetTaskError(ctx, msg.TaskID, string(cat), message, suggestion); err != nil {
		log.Error("persist task error", "error", err)
		return queue.OutcomeTransport
	}
	moved, err := d.store.TransitionStatus(ctx, msg.TaskID,
		[]store.TaskStatus{store.TaskStatusProcessing}, store.TaskStatusError)
	if err != nil {
		log.Error("transition to error", "error", err)
		return queue.OutcomeTransport
	}
	if !moved {
		// A concurrent cancel can settle the task first; its status stands
		// and no failure event goes out.
		log.Warn("error transition rejected, task already settled", "category", cat)
		return d.markAndReturn(ctx, log, msg, queue.OutcomeOK)
	}
	if d.metrics != nil {
		d.metrics.TasksFailed.Add(ctx, 1)
	}
	d.publish(bus.TopicTaskFailed, bus.TaskResultEvent{
		TaskID:          msg.TaskID,
		Origin:          task.Origin,
		AgentType:       task.AgentType,
		ErrorCategory:   string(cat),
		ErrorMessage:    message,
		ErrorSuggestion: suggestion,
	})
	log.Error("task failed terminally", "category", cat, "error_message", message)
	return d.markAndReturn(ctx, log, msg, queue.OutcomeFatal)
}

func (d *Dispatcher) handleCancel(ctx context.Context, log *slog.Logger, msg queue.Message) queue.Outcome {
	task, err := d.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		log.Warn("cancel for unknown task dropped")
		d.dropStale(ctx, log)
		return queue.OutcomeOK
	}
	if err != nil {
		log.Error("load task", "error", err)
		return queue.OutcomeTransport
	}
	if store.Terminal(task.Status) {
		log.Info("cancel for terminal task dropped", "status", task.Status)
		d.dropStale(ctx, log)
		return queue.OutcomeOK
	}

	ok, err := d.store.TransitionStatus(ctx, msg.TaskID, []store.TaskStatus{
		store.TaskStatusPending,
		store.TaskStatusProcessing,
		store.TaskStatusAwaitingClarification,
		store.TaskStatusPRCreated,
		store.TaskStatusError,
	}, store.TaskStatusCancelled)
	if err != nil {
		log.Error("transition to cancelled", "error", err)
		return queue.OutcomeTransport
	}
	if !ok {
		d.dropStale(ctx, log)
		return queue.OutcomeOK
	}

	// Best effort: the remote sandbox may outlive the abort until its own
	// idle policy reaps it.
	d.mu.Lock()
	strategy := d.active[msg.TaskID]
	d.mu.Unlock()
	if strategy != nil {
		strategy.Abort()
		log.Info("in-flight execution aborted")
	}

	d.publish(bus.TopicTaskCancelled, bus.TaskResultEvent{
		TaskID:    msg.TaskID,
		Origin:    task.Origin,
		AgentType: task.AgentType,
		Summary:   msg.Reason,
	})
	log.Info("task cancelled")
	return d.markAndReturn(ctx, log, msg, queue.OutcomeOK)
}

// markAndReturn records the dedup key and hands back the outcome. A failed
// mark becomes a transport retry so the ledger never misses a handled message.
func (d *Dispatcher) markAndReturn(ctx context.Context, log *slog.Logger, msg queue.Message, o queue.Outcome) queue.Outcome {
	recorded, err := d.store.MarkProcessed(ctx, msg.DedupKey(), msg.TaskID, string(msg.Type), msg.PayloadHash())
	if err != nil {
		log.Error("mark processed", "error", err)
		return queue.OutcomeTransport
	}
	if !recorded {
		// A concurrent handler for the same key finished first. Effects are
		// idempotent behind the state preconditions, so this is benign.
		log.Debug("dedup key already recorded by concurrent handler")
	}
	return o
}

// dropStale counts a precondition rejection. The dedup key is deliberately
// not recorded: if ordering catches up, a redelivery may still succeed.
func (d *Dispatcher) dropStale(ctx context.Context, log *slog.Logger) {
	if d.metrics != nil {
		d.metrics.StaleDropped.Add(ctx, 1)
	}
}

func (d *Dispatcher) registerActive(taskID string, s agent.Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[taskID] = s
}

func (d *Dispatcher) unregisterActive(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
}

func (d *Dispatcher) publish(topic string, payload interface{}) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}

func (d *Dispatcher) promptFor(msg queue.Message) string {
	if msg.Type == queue.KindClarificationAnswer {
		return msg.Answer
	}
	return msg.Prompt
}

func (d *Dispatcher) branchFor(msg queue.Message, task *store.Task) string {
	if msg.BranchName != "" {
		return msg.BranchName
	}
	return task.BranchName
}

func (d *Dispatcher) labelsFor(msg queue.Message, task *store.Task) []string {
	if len(msg.Labels) > 0 {
		return msg.Labels
	}
	var labels []string
	if task.Labels != "" {
		_ = json.Unmarshal([]byte(task.Labels), &labels)
	}
	return labels
}

func (d *Dispatcher) summaryFor(resp *sandbox.TaskResponse) string {
	if resp.NeedsClarification && resp.Question != "" {
		return resp.Question
	}
	return resp.Summary
}

func (d *Dispatcher) workDirFor(taskID string) string {
	return path.Join(d.config.WorkspaceRoot, taskID)
}
