package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when starting a bus that is already running.
var ErrAlreadyRunning = errors.New("event bus already running")

// Bus decouples producers of lifecycle notifications from consumers.
// Publishers send events to broker channels; a background listener receives
// broker messages and fans them out to every handler registered for the
// message's channel.
//
// Handler errors and panics are logged individually; one failing handler
// never prevents the others from running or crashes the listener loop.
type Bus struct {
	broker Broker
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	running  bool
	sub      Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates an event bus over the given broker.
func NewBus(broker Broker, logger *slog.Logger) *Bus {
	return &Bus{
		broker:   broker,
		logger:   logger.With("component", "event_bus"),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event type. Multiple handlers per
// type are permitted and all are invoked on dispatch. Subscribing while the
// bus is running extends the live broker subscription.
func (b *Bus) Subscribe(eventType string, h Handler) {
	channel := ChannelName(eventType)

	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], h)
	running := b.running
	sub := b.sub
	total := len(b.handlers[channel])
	b.mu.Unlock()

	if running && sub != nil {
		if err := sub.Subscribe(context.Background(), channel); err != nil {
			b.logger.Error("failed to subscribe to channel",
				"channel", channel,
				"error", err)
		}
	}

	b.logger.Info("event handler subscribed",
		"event_type", eventType,
		"total_handlers", total)
}

// Unsubscribe removes a previously registered handler, matched against the
// value passed to Subscribe. It is a no-op if the handler is not present.
func (b *Bus) Unsubscribe(eventType string, h Handler) {
	channel := ChannelName(eventType)

	b.mu.Lock()
	handlers := b.handlers[channel]
	for i, registered := range handlers {
		if handlersMatch(registered, h) {
			b.handlers[channel] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	empty := len(b.handlers[channel]) == 0
	if empty {
		delete(b.handlers, channel)
	}
	running := b.running
	sub := b.sub
	b.mu.Unlock()

	if empty && running && sub != nil {
		if err := sub.Unsubscribe(context.Background(), channel); err != nil {
			b.logger.Error("failed to unsubscribe from channel",
				"channel", channel,
				"error", err)
		}
	}

	b.logger.Info("event handler unsubscribed", "event_type", eventType)
}

// handlersMatch reports whether a registered handler corresponds to the
// value passed to Unsubscribe. Comparable values (pointer receivers in
// practice) match by equality; function values such as HandlerFunc are not
// comparable in Go, so they match by their underlying function pointer.
func handlersMatch(registered, h Handler) bool {
	ta, tb := reflect.TypeOf(registered), reflect.TypeOf(h)
	if ta == nil || ta != tb {
		return false
	}
	if ta.Comparable() {
		return registered == h
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(registered).Pointer() == reflect.ValueOf(h).Pointer()
	}
	return false
}

// Publish sends an event to the broker channel for its type. Publish
// failures are logged, never raised: event propagation is best-effort and
// must not disturb the caller's control flow.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	event := Event{
		Type:      eventType,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to serialize event",
			"event_type", eventType,
			"error", err)
		return
	}

	if err := b.broker.Publish(ctx, ChannelName(eventType), payload); err != nil {
		b.logger.Error("failed to publish event",
			"event_type", eventType,
			"error", err)
		return
	}

	b.logger.Debug("event published", "event_type", eventType)
}

// Start subscribes to the channels of all registered handlers and launches
// the background listener.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}

	channels := make([]string, 0, len(b.handlers))
	for channel := range b.handlers {
		channels = append(channels, channel)
	}

	sub, err := b.broker.Subscribe(ctx, channels...)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to subscribe to event channels: %w", err)
	}

	b.running = true
	b.sub = sub
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info("event bus started", "channels", len(channels))
	return nil
}

// Stop cancels the listener and waits for its termination. No handler
// invocation occurs after Stop returns.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	// Close the subscription first so no new messages arrive, let any
	// in-flight dispatch finish naturally, then cancel the listener
	// context.
	if err := sub.Close(); err != nil {
		b.logger.Error("failed to close broker subscription", "error", err)
	}
	b.wg.Wait()
	b.cancel()

	b.logger.Info("event bus stopped")
}

// listen receives broker messages and dispatches them until the
// subscription's message channel closes.
func (b *Bus) listen(sub Subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

// dispatch decodes a broker message and invokes every handler registered for
// its channel.
func (b *Bus) dispatch(msg Message) {
	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		b.logger.Error("discarding malformed event",
			"channel", msg.Channel,
			"error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[msg.Channel]))
	copy(handlers, b.handlers[msg.Channel])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	b.logger.Debug("dispatching event",
		"event_type", event.Type,
		"handler_count", len(handlers))

	for i, h := range handlers {
		b.invoke(i, h, &event)
	}
}

// invoke runs one handler, containing its errors and panics.
func (b *Bus) invoke(index int, h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"handler_index", index,
				"panic", r)
		}
	}()

	if err := h.HandleEvent(b.ctx, event); err != nil {
		b.logger.Error("event handler error",
			"event_type", event.Type,
			"handler_index", index,
			"error", err)
	}
}
