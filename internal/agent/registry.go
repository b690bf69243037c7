package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Constructor builds a fresh strategy instance bound to a runner.
type Constructor func(runner Runner, logger *slog.Logger) Strategy

// Registry maps backend names to constructors. The set is closed at startup
// (the builtins plus whatever tests register); Resolve hands out a new
// instance per call so an Abort never crosses executions.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	runner       Runner
	logger       *slog.Logger
}

// NewRegistry creates a registry with the built-in backends registered.
func NewRegistry(runner Runner, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		constructors: make(map[string]Constructor),
		runner:       runner,
		logger:       logger,
	}
	r.constructors["claude"] = newClaudeStrategy
	r.constructors["opencode"] = newOpencodeStrategy
	return r
}

// Register adds a backend. Duplicate names are an error so a typo in wiring
// cannot silently shadow a builtin.
func (r *Registry) Register(name string, c Constructor) error {
	if name == "" || c == nil {
		return fmt.Errorf("register: name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.constructors[name] = c
	return nil
}

// New instantiates the named strategy.
func (r *Registry) New(name string) (Strategy, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q (known: %v)", name, r.Names())
	}
	return c(r.runner, r.logger), nil
}

// Names lists registered backends, sorted for stable error messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
