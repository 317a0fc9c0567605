// Package bus provides the publish/subscribe medium connecting the CRUD
// services that produce domain events to the gateway instances that fan
// them out. Delivery is best-effort at-most-once per subscriber.
package bus

import "context"

// Message is one raw event received from a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live subscription to one or more channels. Messages
// stops yielding after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus is the contract for the domain event bus. Publishers need no
// knowledge of any connected client; subscribers receive every message
// published on their channels while subscribed.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
