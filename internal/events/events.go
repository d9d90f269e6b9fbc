package events

import (
	"context"
	"time"
)

// channelPrefix namespaces all event channels on the broker.
const channelPrefix = "agent:events:"

// ChannelName returns the deterministic broker channel for an event type.
func ChannelName(eventType string) string {
	return channelPrefix + eventType
}

// Event is a transient lifecycle notification. Events are never persisted:
// they exist only while in flight on the broker.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes events dispatched by the bus. Comparable handler values
// (pointers in practice) are removed by Unsubscribe via equality with the
// value passed to Subscribe.
type Handler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to the Handler interface. Function values are
// not comparable in Go; Unsubscribe matches a HandlerFunc by its underlying
// function pointer, so pass the same value that was registered.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Message is a raw payload received from a broker channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active broker subscription whose channel set can be
// changed while listening. Messages is closed when the subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Close() error
}

// Broker is the pub/sub surface of the message broker used as event
// transport.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}
