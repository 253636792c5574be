// Package services holds the per-service logic: the posts write and read
// paths, which own the cascade of a deletion, and the search and media
// reactions to post events.
package services

import (
	"context"

	"contentfleet/pkg/eventbus"
)

// Publisher sends domain events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Subscriber registers event handlers. *eventbus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, routingKey string, handler eventbus.Handler) error
}
