// Package sandbox wraps one ephemeral compute instance behind an HTTP
// contract. The client absorbs cold starts with pure exponential backoff and
// reports every failure as data: callers branch on the Failure struct, never
// on a returned error, because sandbox failure is expected and common.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-dispatch/internal/backoff"
	"github.com/basket/go-dispatch/internal/shared"
)

// Config bounds one execution: overall timeout and the cold-start retry
// policy. Defaults follow the deployed values (15 minutes, 5 retries at 2s).
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   backoff.Policy
}

// TaskRequest is the JSON body for POST /process-task. ResumeSessionID and
// SessionBlob are set only when the selected strategy supports session
// management and a prior session exists.
type TaskRequest struct {
	TaskID     string `json:"taskId"`
	Prompt     string `json:"prompt"`
	RepoURL    string `json:"repoUrl,omitempty"`
	BranchName string `json:"branchName,omitempty"`

	AgentType string `json:"agentType"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`

	ResumeSessionID string `json:"resumeSessionId,omitempty"`
	SessionBlob     string `json:"sessionBlob,omitempty"`

	// Credentials maps environment variable name to decrypted value for the
	// resolved provider. Redacted from all logging.
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Failure describes why an execution did not produce a result.
type Failure struct {
	// Transient is true when every attempt died on a cold-start signature.
	Transient  bool   `json:"transient"`
	TimedOut   bool   `json:"timedOut"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Attempts   int    `json:"attempts"`
}

// TaskResponse is the decoded outcome of one execution. Exactly one of the
// success fields or Failure is meaningful; OK discriminates.
type TaskResponse struct {
	OK                 bool
	PRURL              string
	Summary            string
	NeedsClarification bool
	Question           string
	SessionID          string
	SessionBlob        string
	Attempts           int
	Duration           time.Duration
	Failure            *Failure
}

type wireResponse struct {
	PRURL              string     `json:"prUrl"`
	Summary            string     `json:"summary"`
	NeedsClarification bool       `json:"needsClarification"`
	Question           string     `json:"clarificationQuestion"`
	SessionID          string     `json:"sessionId"`
	SessionBlob        string     `json:"sessionBlob"`
	Error              *wireError `json:"error"`
}

type wireError struct {
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// Client talks to one sandbox instance.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a sandbox client. Zero config fields get deployed defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Retry.InitialDelay <= 0 && cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = backoff.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: cfg,
		// The transport timeout is the overall execution bound; per-attempt
		// cancellation rides on the request context.
		http:   &http.Client{},
		logger: logger,
	}
}

// ProcessTask posts the request and retries cold starts. Each attempt sends a
// fresh reader over the same marshaled body, so the request is replayable by
// construction. A nil error with OK=false means the sandbox failed in one of
// the expected ways; a non-nil error means the request itself was unusable.
func (c *Client) ProcessTask(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	var lastErr string
	for attempt := 0; ; attempt++ {
		resp, retryable, err := c.attempt(ctx, body)
		if err == nil {
			resp.Attempts = attempt + 1
			resp.Duration = time.Since(start)
			if resp.Failure != nil {
				resp.Failure.Attempts = attempt + 1
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return &TaskResponse{
				Attempts: attempt + 1,
				Duration: time.Since(start),
				Failure: &Failure{
					TimedOut: true,
					Message:  fmt.Sprintf("sandbox execution exceeded %s", c.config.Timeout),
					Attempts: attempt + 1,
				},
			}, nil
		}

		lastErr = err.Error()
		if !retryable || c.config.Retry.Exhausted(attempt) {
			return &TaskResponse{
				Attempts: attempt + 1,
				Duration: time.Since(start),
				Failure: &Failure{
					Transient:  retryable,
					Message:    lastErr,
					Suggestion: "the sandbox never became reachable; check that the image is deployed and warm",
					Attempts:   attempt + 1,
				},
			}, nil
		}

		delay := c.config.Retry.Delay(attempt)
		c.logger.Warn("sandbox cold start, backing off",
			"task_id", req.TaskID,
			"trace_id", shared.TraceID(ctx),
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		select {
		case <-ctx.Done():
			return &TaskResponse{
				Attempts: attempt + 1,
				Duration: time.Since(start),
				Failure: &Failure{
					TimedOut: true,
					Message:  fmt.Sprintf("sandbox execution exceeded %s", c.config.Timeout),
					Attempts: attempt + 1,
				},
			}, nil
		case <-time.After(delay):
		}
	}
}

// attempt performs one POST. The bool reports whether the failure is a
// cold-start signature worth retrying.
func (c *Client) attempt(ctx context.Context, body []byte) (*TaskResponse, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/process-task", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		return nil, IsColdStart(err.Error()), err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read sandbox response: %w", err)
	}

	// Gateways in front of a booting instance answer 502/503 with a text
	// body; that counts as a cold start, not an application error.
	if httpResp.StatusCode >= 500 && IsColdStart(string(raw)) {
		return nil, true, fmt.Errorf("sandbox gateway %d: %s", httpResp.StatusCode, truncate(string(raw), 200))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false, fmt.Errorf("sandbox returned %d with undecodable body: %s",
			httpResp.StatusCode, truncate(string(raw), 200))
	}

	if httpResp.StatusCode >= 400 || wire.Error != nil {
		msg := httpResp.Status
		suggestion := ""
		if wire.Error != nil {
			msg = wire.Error.Message
			suggestion = wire.Error.Suggestion
		}
		return &TaskResponse{
			OK: false,
			Failure: &Failure{
				StatusCode: httpResp.StatusCode,
				Message:    msg,
				Suggestion: suggestion,
			},
		}, false, nil
	}

	return &TaskResponse{
		OK:                 true,
		PRURL:              wire.PRURL,
		Summary:            wire.Summary,
		NeedsClarification: wire.NeedsClarification,
		Question:           wire.Question,
		SessionID:          wire.SessionID,
		SessionBlob:        wire.SessionBlob,
	}, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
