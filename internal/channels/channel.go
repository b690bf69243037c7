// Package channels holds the caller-facing notifier integrations. Channels
// consume task events from the bus and may feed operator commands back into
// the queue; the dispatcher never knows they exist.
package channels

import "context"

// Channel is one messaging platform integration.
type Channel interface {
	// Name returns the unique channel name (e.g. "telegram").
	Name() string

	// Start begins the channel's loops. It blocks until the context is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
