package config

import (
	"fmt"
	"os"
	"sort"
)

// providerEnvVars is the fixed provider-name to environment-variable table.
// Lookup is static on purpose: credentials never come from the config file or
// the database, only from the process environment.
var providerEnvVars = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// CredentialEnvVar returns the environment variable that holds the given
// provider's API key.
func CredentialEnvVar(provider string) (string, bool) {
	env, ok := providerEnvVars[provider]
	return env, ok
}

// CredentialFor resolves the API key for a provider. A missing key is a
// validation error: it is never retried, the task fails immediately.
func CredentialFor(provider string) (string, error) {
	env, ok := providerEnvVars[provider]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("provider %q requires %s to be set", provider, env)
	}
	return key, nil
}

// KnownProviders lists the providers with a credential mapping, sorted.
func KnownProviders() []string {
	out := make([]string, 0, len(providerEnvVars))
	for name := range providerEnvVars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
