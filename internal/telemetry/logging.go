// Package telemetry builds the process logger. Every record is JSON and
// every attribute passes through credential redaction before it reaches
// disk: sandbox failure bodies and provider errors routinely echo the
// request back, API keys included.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-dispatch/internal/shared"
)

const logFileName = "system.jsonl"

// Attribute keys whose values are always secrets regardless of content.
var secretKeyFragments = []string{
	"token", "secret", "password", "authorization",
	"api_key", "apikey", "bearer", "credential",
}

// Provider key prefixes that may appear inside free-form error strings.
var secretValuePrefixes = []string{"sk-ant-", "sk-or-", "sk-proj-", "AIza"}

// NewLogger builds the dispatcher's JSON logger. Output always goes to
// <homeDir>/logs/system.jsonl; unless quiet, stdout gets a copy too.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "dispatcher", "trace_id", "-")
	return logger, file, nil
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if isSecretKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if clean, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// scrubValue redacts secrets embedded in free-form strings. Whole-value
// redaction when the string carries an auth header; pattern redaction via
// shared.Redact otherwise.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	for _, prefix := range secretValuePrefixes {
		if strings.Contains(v, prefix) {
			return "[REDACTED]", true
		}
	}
	if clean := shared.Redact(v); clean != v {
		return clean, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
