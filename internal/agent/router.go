package agent

import "sort"

// Rule maps one task label to a backend, optionally pinning a provider.
type Rule struct {
	Label     string
	AgentType string
	Provider  string
}

// Selection is a resolved backend choice. Empty fields in an override mean
// "no opinion" and defer to the next precedence tier.
type Selection struct {
	AgentType string
	Provider  string
	Model     string
}

const (
	staticDefaultAgentType = "claude"
	staticDefaultProvider  = "anthropic"
)

// Router selects the backend for a task. Precedence, highest first: explicit
// override fields, longest matching label, configured default, static
// default. This order decides which LLM backend and billing account a task
// uses, so it never changes per call site.
type Router struct {
	rules            map[string]Rule
	defaultAgentType string
	defaultProvider  string
}

// NewRouter builds a router from configured rules and defaults. Empty
// defaults fall through to the static ones at resolve time.
func NewRouter(rules []Rule, defaultAgentType, defaultProvider string) *Router {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.Label == "" || r.AgentType == "" {
			continue
		}
		m[r.Label] = r
	}
	return &Router{
		rules:            m,
		defaultAgentType: defaultAgentType,
		defaultProvider:  defaultProvider,
	}
}

// Resolve picks the backend for the given labels and explicit override.
func (r *Router) Resolve(labels []string, override Selection) Selection {
	sel := r.baseSelection(labels)

	if override.AgentType != "" {
		sel.AgentType = override.AgentType
	}
	if override.Provider != "" {
		sel.Provider = override.Provider
	}
	if override.Model != "" {
		sel.Model = override.Model
	}
	return sel
}

func (r *Router) baseSelection(labels []string) Selection {
	// Longer label = more specific. Equal lengths order lexicographically so
	// resolution is deterministic regardless of input order.
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	for _, label := range sorted {
		if rule, ok := r.rules[label]; ok {
			provider := rule.Provider
			if provider == "" {
				provider = r.providerDefault()
			}
			return Selection{AgentType: rule.AgentType, Provider: provider}
		}
	}

	if r.defaultAgentType != "" {
		provider := r.defaultProvider
		if provider == "" {
			provider = staticDefaultProvider
		}
		return Selection{AgentType: r.defaultAgentType, Provider: provider}
	}
	return Selection{AgentType: staticDefaultAgentType, Provider: staticDefaultProvider}
}

func (r *Router) providerDefault() string {
	if r.defaultProvider != "" {
		return r.defaultProvider
	}
	return staticDefaultProvider
}
