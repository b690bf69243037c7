package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-dispatch/internal/agent"
	"github.com/basket/go-dispatch/internal/backoff"
	"github.com/basket/go-dispatch/internal/bus"
	"github.com/basket/go-dispatch/internal/channels"
	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/dispatch"
	"github.com/basket/go-dispatch/internal/doctor"
	otelPkg "github.com/basket/go-dispatch/internal/otel"
	"github.com/basket/go-dispatch/internal/queue"
	"github.com/basket/go-dispatch/internal/sandbox"
	"github.com/basket/go-dispatch/internal/store"
	"github.com/basket/go-dispatch/internal/sweep"
	"github.com/basket/go-dispatch/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	homeFlag := flag.String("home", "", "data directory (default: ~/.godispatch or GODISPATCH_HOME)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("godispatch", Version)
		return
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create home dir:", err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "doctor" {
		os.Exit(runDoctor(homeDir, args[1:]))
	}

	if err := run(homeDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(homeDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// File-only logging when detached from a terminal, unless stdout logging
	// is forced (journald setups set GODISPATCH_LOG_STDOUT=1).
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("GODISPATCH_LOG_STDOUT") == ""
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info("godispatch starting", "version", Version, "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	validator, err := queue.NewValidator()
	if err != nil {
		return fmt.Errorf("compile message schema: %w", err)
	}
	producer := queue.NewProducer(st, validator, logger, cfg.Queue.MaxDeliveries)

	sandboxURL := cfg.Sandbox.URL
	if cfg.Sandbox.Mode == "docker" {
		prov, err := sandbox.NewDockerProvisioner(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB, cfg.Sandbox.Network, nil, logger)
		if err != nil {
			return fmt.Errorf("docker provisioner: %w", err)
		}
		if err := prov.Start(ctx); err != nil {
			return fmt.Errorf("start sandbox container: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := prov.Stop(stopCtx); err != nil {
				logger.Warn("stop sandbox container", "error", err)
			}
		}()
		readyCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err = prov.WaitReady(readyCtx, sandboxURL)
		cancel()
		if err != nil {
			return err
		}
	}

	client := sandbox.NewClient(sandbox.Config{
		BaseURL: sandboxURL,
		Timeout: cfg.Sandbox.Timeout(),
		Retry:   retryPolicy(cfg),
	}, logger)

	registry := agent.NewRegistry(client, logger)
	router := agent.NewRouter(routerRules(cfg), cfg.Router.DefaultAgentType, cfg.Router.DefaultProvider)

	dispatcher := dispatch.New(st, registry, router, producer, eventBus, metrics, logger, dispatch.Config{
		Retry:       retryPolicy(cfg),
		SessionTTL:  cfg.Session.TTL(),
		ProjectsDir: cfg.Session.ProjectsDir,
	})

	dispatcher.WatchDeadLetters(ctx)

	consumer := queue.NewConsumer(st, dispatcher, logger, queue.Config{
		WorkerCount:  cfg.Queue.WorkerCount,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		Lease:        time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
	})

	sweeper, err := sweep.New(sweep.Config{Store: st, Logger: logger})
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.ChatIDs, producer, st, eventBus, logger)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, logger)
	}

	consumer.Start(ctx)
	logger.Info("dispatcher running",
		"workers", cfg.Queue.WorkerCount,
		"sandbox_mode", cfg.Sandbox.Mode,
		"sandbox_url", sandboxURL)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	consumer.Drain(30 * time.Second)
	logger.Info("godispatch stopped")
	return nil
}

// watchConfig logs config changes. Routing and limits bind at startup; the
// note tells operators a restart is needed rather than silently ignoring the
// edit.
func watchConfig(ctx context.Context, watcher *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			logger.Info("config.yaml changed on disk; restart to apply", "path", ev.Path)
		}
	}
}

func retryPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		InitialDelay: cfg.Sandbox.InitialDelay(),
		MaxRetries:   cfg.Sandbox.MaxRetries,
	}
}

func routerRules(cfg *config.Config) []agent.Rule {
	rules := make([]agent.Rule, 0, len(cfg.Router.Rules))
	for _, r := range cfg.Router.Rules {
		rules = append(rules, agent.Rule{Label: r.Label, AgentType: r.AgentType, Provider: r.Provider})
	}
	return rules
}

// runDoctor prints preflight diagnostics. Exit code 1 when any check FAILs.
func runDoctor(homeDir string, args []string) int {
	asJSON := len(args) > 0 && args[0] == "-json"

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		cfg = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	diagnosis := doctor.Run(ctx, cfg, Version)

	if asJSON {
		out, _ := json.MarshalIndent(diagnosis, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("godispatch %s on %s/%s (%s)\n\n",
			diagnosis.System.Version, diagnosis.System.OS, diagnosis.System.Arch, diagnosis.System.Go)
		for _, r := range diagnosis.Results {
			fmt.Printf("  [%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}
	if !diagnosis.Healthy() {
		return 1
	}
	return 0
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
