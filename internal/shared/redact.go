package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a regex with the index of the submatch group to keep.
// keep 0 redacts the whole match.
type secretPattern struct {
	re   *regexp.Regexp
	keep int
}

// Sandbox failure bodies and provider error responses can echo the request
// back verbatim, credentials included, so every string destined for a log
// line or a notifier passes through these.
var secretPatterns = []secretPattern{
	// key = value / key: "value" forms; the key name survives.
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keep: 1},
	// Authorization header bearer tokens.
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keep: 1},
	// Anthropic key format.
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	// OpenAI and OpenRouter key formats.
	{re: regexp.MustCompile(`sk-(?:or-)?[A-Za-z0-9]{32,}`)},
	// Google API keys.
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	// Telegram bot tokens (numeric id, colon, 35-char secret).
	{re: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`)},
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.keep > 0 {
				if sub := p.re.FindStringSubmatch(match); len(sub) > p.keep {
					return sub[p.keep] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactEnvValue hides the value when the variable name looks secret. Used
// when echoing resolved credentials config in debug output.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, fragment := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, fragment) {
			return redactedPlaceholder
		}
	}
	return value
}
