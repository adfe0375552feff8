// Package events provides interfaces and implementations for publishing
// credential pool lifecycle events to external event streaming systems.
package events

import (
	"context"
)

// Publisher publishes events to an external sink.
type Publisher interface {
	// Publish publishes one event.
	Publish(ctx context.Context, event *Event) error

	// Close releases any resources held by the publisher.
	Close() error
}
