package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-dispatch/internal/sandbox"
)

// claudeStrategy drives the Claude Code backend. It is the only backend with
// session management: prior transcripts restore inside the sandbox and the
// run resumes mid-conversation.
type claudeStrategy struct {
	runner Runner
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newClaudeStrategy(runner Runner, logger *slog.Logger) Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &claudeStrategy{runner: runner, logger: logger}
}

func (s *claudeStrategy) Name() string { return "claude" }

func (s *claudeStrategy) Capabilities() Capabilities {
	return Capabilities{
		SupportsSessionManagement: true,
		DefaultProvider:           "anthropic",
		SupportedProviders:        []string{"anthropic"},
	}
}

func (s *claudeStrategy) Validate(ec Context) error {
	if err := validateCommon(ec); err != nil {
		return err
	}
	if !supportsProvider(s.Capabilities(), ec.Provider) {
		return fmt.Errorf("claude backend does not support provider %q", ec.Provider)
	}
	return nil
}

func (s *claudeStrategy) Execute(ctx context.Context, ec Context) (*sandbox.TaskResponse, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	if ec.ResumeSessionID != "" {
		s.logger.Info("resuming prior session",
			"task_id", ec.TaskID, "session_id", ec.ResumeSessionID, "blob_bytes", len(ec.SessionBlob))
	}

	return s.runner.ProcessTask(runCtx, sandbox.TaskRequest{
		TaskID:          ec.TaskID,
		Prompt:          ec.Prompt,
		RepoURL:         ec.RepoURL,
		BranchName:      ec.BranchName,
		AgentType:       s.Name(),
		Provider:        ec.Provider,
		Model:           ec.Model,
		ResumeSessionID: ec.ResumeSessionID,
		SessionBlob:     ec.SessionBlob,
		Credentials:     ec.Credentials,
	})
}

func (s *claudeStrategy) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
