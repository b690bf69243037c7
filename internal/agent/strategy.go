// Package agent holds the pluggable execution backends and the label router
// that picks one. Strategies share one capability surface; the dispatcher
// never branches on a concrete strategy beyond its name.
package agent

import (
	"context"
	"fmt"

	"github.com/basket/go-dispatch/internal/sandbox"
)

// Runner abstracts the sandbox client so strategies are testable without a
// live instance.
type Runner interface {
	ProcessTask(ctx context.Context, req sandbox.TaskRequest) (*sandbox.TaskResponse, error)
}

// Capabilities describes what a backend can do. The dispatcher consults
// SupportsSessionManagement before attaching any resumption state.
type Capabilities struct {
	SupportsSessionManagement bool
	DefaultProvider           string
	SupportedProviders        []string
}

// Context is the execution input handed to a strategy. ResumeSessionID and
// SessionBlob are populated by the dispatcher only for strategies whose
// capabilities allow it.
type Context struct {
	TaskID     string
	Prompt     string
	RepoURL    string
	BranchName string

	Provider string
	Model    string

	ResumeSessionID string
	SessionBlob     string

	// Credentials: environment variable name to decrypted value.
	Credentials map[string]string
}

// Strategy is one execution backend. Instances are created per execution via
// the registry, so Abort cancels exactly one in-flight run.
type Strategy interface {
	Name() string
	Capabilities() Capabilities
	// Validate reports terminal input problems before any sandbox call.
	Validate(ec Context) error
	Execute(ctx context.Context, ec Context) (*sandbox.TaskResponse, error)
	// Abort cancels the in-flight execution, if any. Best effort: the remote
	// sandbox may keep running until its own idle policy stops it.
	Abort()
}

// validateCommon covers the inputs every backend needs.
func validateCommon(ec Context) error {
	if ec.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if ec.Prompt == "" {
		return fmt.Errorf("prompt is empty")
	}
	if ec.Provider == "" {
		return fmt.Errorf("provider is unresolved")
	}
	if len(ec.Credentials) == 0 {
		return fmt.Errorf("no credentials for provider %q", ec.Provider)
	}
	return nil
}

func supportsProvider(caps Capabilities, provider string) bool {
	if len(caps.SupportedProviders) == 0 {
		return true
	}
	for _, p := range caps.SupportedProviders {
		if p == provider {
			return true
		}
	}
	return false
}
