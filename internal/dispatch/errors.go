package dispatch

import "github.com/basket/go-dispatch/internal/sandbox"

// Category buckets a failure for the store's structured error columns. The
// notifier renders these, so the set is part of the user-facing contract.
type Category string

const (
	// CategoryInfrastructureTransient: cold starts that survived every retry.
	CategoryInfrastructureTransient Category = "infrastructure_transient"
	// CategoryTimeout: the bounded sandbox wait was exceeded.
	CategoryTimeout Category = "timeout"
	// CategoryApplication: the agent backend itself reported failure.
	CategoryApplication Category = "application_error"
	// CategoryValidation: bad input (missing credentials, empty prompt).
	// Never retried.
	CategoryValidation Category = "validation_error"
)

// classifyFailure maps a sandbox failure onto the error taxonomy.
func classifyFailure(f *sandbox.Failure) Category {
	switch {
	case f.TimedOut:
		return CategoryTimeout
	case f.Transient:
		return CategoryInfrastructureTransient
	default:
		return CategoryApplication
	}
}

// suggestionFor fills in an actionable hint when the failure carried none.
func suggestionFor(cat Category, existing string) string {
	if existing != "" {
		return existing
	}
	switch cat {
	case CategoryInfrastructureTransient:
		return "the sandbox stayed unreachable across all retries; verify the deployment and retry the task"
	case CategoryTimeout:
		return "the agent ran past the execution deadline; split the task into smaller steps"
	case CategoryValidation:
		return "fix the task input or provider credentials and resubmit"
	default:
		return "inspect the task history and rerun with an adjusted prompt"
	}
}
