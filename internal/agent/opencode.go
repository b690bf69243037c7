package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-dispatch/internal/sandbox"
)

// opencodeStrategy drives the opencode backend, which works with several
// providers but has no transcript resumption: every run starts fresh.
type opencodeStrategy struct {
	runner Runner
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newOpencodeStrategy(runner Runner, logger *slog.Logger) Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &opencodeStrategy{runner: runner, logger: logger}
}

func (s *opencodeStrategy) Name() string { return "opencode" }

func (s *opencodeStrategy) Capabilities() Capabilities {
	return Capabilities{
		SupportsSessionManagement: false,
		DefaultProvider:           "openai",
		SupportedProviders:        []string{"openai", "anthropic", "google", "openrouter"},
	}
}

func (s *opencodeStrategy) Validate(ec Context) error {
	if err := validateCommon(ec); err != nil {
		return err
	}
	if !supportsProvider(s.Capabilities(), ec.Provider) {
		return fmt.Errorf("opencode backend does not support provider %q", ec.Provider)
	}
	return nil
}

func (s *opencodeStrategy) Execute(ctx context.Context, ec Context) (*sandbox.TaskResponse, error) {
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

	// No session management: resumption fields are dropped even if a caller
	// populated them by mistake.
	return s.runner.ProcessTask(runCtx, sandbox.TaskRequest{
		TaskID:      ec.TaskID,
		Prompt:      ec.Prompt,
		RepoURL:     ec.RepoURL,
		BranchName:  ec.BranchName,
		AgentType:   s.Name(),
		Provider:    ec.Provider,
		Model:       ec.Model,
		Credentials: ec.Credentials,
	})
}

func (s *opencodeStrategy) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
