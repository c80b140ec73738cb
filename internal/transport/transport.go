// Package transport defines the publish/subscribe capability used to reach
// the feeder device. No ordering or delivery guarantees are assumed.
package transport

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("transport not connected")

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives every message on the subscribed topics. It must not block
// for long; the transport may call it from its network goroutine.
type Handler func(msg Message)

// Transport is a publish/subscribe connection.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a single handler for the given topics. Subscriptions
	// are restored by the transport after a reconnect.
	Subscribe(ctx context.Context, topics []string, h Handler) error
	Connected() bool
	Close(ctx context.Context) error
}
