package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-dispatch/internal/otel"
)

// SandboxConfig controls how and where agent executions run.
type SandboxConfig struct {
	// Mode is "remote" (point at an already-running sandbox service) or
	// "docker" (provision a local container on startup).
	Mode string `yaml:"mode"`
	// URL of the sandbox service for remote mode, e.g. http://localhost:8787.
	URL string `yaml:"url"`
	// Image for docker mode.
	Image string `yaml:"image"`
	// MemoryMB caps the docker sandbox memory.
	MemoryMB int64 `yaml:"memory_mb"`
	// Network is the docker network mode for the sandbox container.
	Network string `yaml:"network"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
}

// Timeout returns the bounded wait for one sandbox execution.
func (s SandboxConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// InitialDelay returns the base retry delay.
func (s SandboxConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMs) * time.Millisecond
}

// QueueConfig controls the consumer loop.
type QueueConfig struct {
	WorkerCount    int `yaml:"worker_count"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
	// MaxDeliveries is the transport-level redelivery budget before a
	// message is dead-lettered. Independent of sandbox max_retries.
	MaxDeliveries int `yaml:"max_deliveries"`
	LeaseSeconds  int `yaml:"lease_seconds"`
}

// RouteRule maps a task label to an agent backend.
type RouteRule struct {
	Label     string `yaml:"label"`
	AgentType string `yaml:"agent_type"`
	Provider  string `yaml:"provider"`
}

// RouterConfig holds label routing rules and the fallback selection.
type RouterConfig struct {
	Rules            []RouteRule `yaml:"rules"`
	DefaultAgentType string      `yaml:"default_agent_type"`
	DefaultProvider  string      `yaml:"default_provider"`
}

// SessionConfig controls transcript persistence.
type SessionConfig struct {
	// ProjectsDir is where restored transcripts are materialized.
	ProjectsDir string `yaml:"projects_dir"`
	// TTLHours is how long a stored session blob stays eligible for resumption.
	TTLHours int `yaml:"ttl_hours"`
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// TelegramConfig configures the operator notification channel.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Queue    QueueConfig    `yaml:"queue"`
	Router   RouterConfig   `yaml:"router"`
	Session  SessionConfig  `yaml:"session"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     otel.Config    `yaml:"otel"`
}

const configFileName = "config.yaml"

// DefaultHomeDir returns ~/.godispatch, or the GODISPATCH_HOME override.
func DefaultHomeDir() string {
	if home := os.Getenv("GODISPATCH_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil || userHome == "" {
		userHome = "."
	}
	return filepath.Join(userHome, ".godispatch")
}

// Load reads <homeDir>/config.yaml, applies defaults, then environment
// overrides. A missing file yields the pure-default config.
func Load(homeDir string) (*Config, error) {
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(homeDir string) *Config {
	return &Config{
		HomeDir:  homeDir,
		LogLevel: "info",
		DBPath:   filepath.Join(homeDir, "dispatch.db"),
		Sandbox: SandboxConfig{
			Mode:           "remote",
			URL:            "http://localhost:8787",
			Image:          "godispatch-sandbox:latest",
			MemoryMB:       2048,
			Network:        "bridge",
			TimeoutSeconds: 900,
			MaxRetries:     5,
			InitialDelayMs: 2000,
		},
		Queue: QueueConfig{
			WorkerCount:    4,
			PollIntervalMs: 250,
			MaxDeliveries:  4,
			LeaseSeconds:   960, // lease outlives the 900s sandbox timeout
		},
		Router: RouterConfig{
			DefaultAgentType: "claude",
			DefaultProvider:  "anthropic",
		},
		Session: SessionConfig{
			ProjectsDir: filepath.Join(homeDir, "projects"),
			TTLHours:    7 * 24,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GODISPATCH_SANDBOX_URL"); v != "" {
		cfg.Sandbox.URL = v
	}
	if v := os.Getenv("GODISPATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GODISPATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("GODISPATCH_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.WorkerCount = n
		}
	}
}

func (c *Config) validate() error {
	if c.Sandbox.Mode != "remote" && c.Sandbox.Mode != "docker" {
		return fmt.Errorf("sandbox.mode must be remote or docker, got %q", c.Sandbox.Mode)
	}
	if c.Sandbox.MaxRetries < 0 || c.Sandbox.MaxRetries > 5 {
		// Delays double without a cap; anything past 5 makes worst-case
		// latency unreasonable.
		return fmt.Errorf("sandbox.max_retries must be 0..5, got %d", c.Sandbox.MaxRetries)
	}
	if c.Queue.MaxDeliveries <= 0 {
		return fmt.Errorf("queue.max_deliveries must be positive")
	}
	for _, r := range c.Router.Rules {
		if r.Label == "" || r.AgentType == "" {
			return fmt.Errorf("router rule needs label and agent_type: %+v", r)
		}
	}
	return nil
}
