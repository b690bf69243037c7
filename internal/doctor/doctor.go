// Package doctor runs preflight diagnostics: config, credentials, database,
// and sandbox reachability. Operators run it before filing a bug.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCredentials,
		checkDatabase,
		checkHomePermissions,
		checkSandbox,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

// checkCredentials verifies the credential env var for every provider the
// routing rules can select.
func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "config missing"}
	}

	providers := map[string]struct{}{}
	if cfg.Router.DefaultProvider != "" {
		providers[cfg.Router.DefaultProvider] = struct{}{}
	} else {
		providers["anthropic"] = struct{}{}
	}
	for _, rule := range cfg.Router.Rules {
		if rule.Provider != "" {
			providers[rule.Provider] = struct{}{}
		}
	}

	var missing []string
	for provider := range providers {
		envVar, ok := config.CredentialEnvVar(provider)
		if !ok {
			missing = append(missing, fmt.Sprintf("%s (unknown provider)", provider))
			continue
		}
		if os.Getenv(envVar) == "" {
			missing = append(missing, envVar)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Credentials",
			Status:  "WARN",
			Message: fmt.Sprintf("missing: %v", missing),
			Detail:  "tasks routed to those providers will fail validation immediately",
		}
	}
	return CheckResult{Name: "Credentials", Status: "PASS",
		Message: fmt.Sprintf("keys present for %d provider(s)", len(providers))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}
	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: fmt.Sprintf("cannot open %s", cfg.DBPath), Detail: err.Error()}
	}
	defer st.Close()

	counts, err := st.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "schema query failed", Detail: err.Error()}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	depth, _ := st.QueueDepth(ctx)
	return CheckResult{Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("%d task(s), queue depth %d", total, depth)}
}

func checkHomePermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL",
			Message: fmt.Sprintf("%s is not writable", cfg.HomeDir), Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

// checkSandbox probes the sandbox endpoint. A connection refusal is a WARN,
// not a FAIL: ephemeral compute scales to zero and wakes on the first task.
func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Sandbox.URL == "" {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "no sandbox url configured"}
	}
	u, err := url.Parse(cfg.Sandbox.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "sandbox url is malformed", Detail: cfg.Sandbox.URL}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Sandbox.URL+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "cannot build probe request", Detail: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		detail := err.Error()
		if errors.As(err, &netErr) && netErr.Timeout() {
			detail = "probe timed out"
		}
		return CheckResult{Name: "Sandbox", Status: "WARN",
			Message: fmt.Sprintf("%s not reachable (may be scaled to zero)", u.Host), Detail: detail}
	}
	resp.Body.Close()
	return CheckResult{Name: "Sandbox", Status: "PASS",
		Message: fmt.Sprintf("%s answered %d", u.Host, resp.StatusCode)}
}
