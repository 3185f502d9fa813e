// Package notify defines the interface for publishing sink lifecycle
// events, currently only the duplicate-threshold stop request. The
// abstraction keeps the sink independent of a specific message bus.
package notify

import (
	"context"
)

// Provider defines the common interface for an event publisher.
type Provider interface {
	// Publish sends a message to the configured topic. Implementations
	// may deliver asynchronously; failures are advisory only.
	Publish(ctx context.Context, message string) error

	// Close cleans up any client connections and resources.
	Close() error
}

// NoOpProvider is a publisher that performs no operations. It is the
// default when no message bus is configured.
type NoOpProvider struct{}

// Publish for NoOpProvider does nothing and returns nil.
func (n *NoOpProvider) Publish(_ context.Context, _ string) error { return nil }

// Close for NoOpProvider does nothing and returns nil.
func (n *NoOpProvider) Close() error { return nil }
