// Package backoff computes retry delays for transient sandbox failures.
// The schedule is pure exponential doubling with no jitter and no cap: the
// delay for attempt n is InitialDelay * 2^n. Under many simultaneous cold
// starts this can synchronize retries across tasks; that exposure is accepted
// and bounded by keeping MaxRetries small (see Policy.MaxRetries).
package backoff

import "time"

// Defaults for sandbox execution retries.
const (
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxRetries   = 5
)

// Policy is a pure function of attempt count to delay.
type Policy struct {
	// InitialDelay is the delay before the first retry (attempt 0).
	InitialDelay time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	// Delay grows unbounded with attempts, so keep this small (<=5);
	// the defaults give a ~62s worst case across all retries.
	MaxRetries int
}

// Default returns the standard sandbox retry policy.
func Default() Policy {
	return Policy{InitialDelay: DefaultInitialDelay, MaxRetries: DefaultMaxRetries}
}

// Delay returns the wait before retrying attempt n (zero-indexed).
// Delay(0) == InitialDelay, Delay(1) == 2*InitialDelay, and so on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.InitialDelay << uint(attempt)
}

// Exhausted reports whether attempt n (zero-indexed) is past the retry budget.
// A policy with MaxRetries=5 allows attempts 0..4 to schedule a retry.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
