// Package pubsub multiplexes a shared pub/sub store onto local handlers.
//
// The Broker holds one store subscription per channel no matter how many
// local handlers are interested in it. Delivery is at-most-once: messages
// that cannot be decoded are logged and dropped.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// Message is a decoded bus message. Handlers share one instance per
// delivery and must treat it as read-only.
type Message map[string]any

// Type returns the "type" discriminator, or "" when absent.
func (m Message) Type() string {
	return m.String("type")
}

// String returns m[key] when it is a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Handler receives messages for the channels it is subscribed to.
// Implementations must be comparable (normally pointer types): the broker
// keys its handler sets by value.
type Handler interface {
	HandleMessage(channel string, msg Message) error
}

// Store is the process-external pub/sub transport.
type Store interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// OnMessage registers the delivery callback. It is called once, before
	// the first Subscribe.
	OnMessage(deliver func(channel string, data []byte))
	Close() error
}

// Broker maps channels to local handlers on top of a Store.
type Broker struct {
	store  Store
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]map[Handler]struct{}
}

func NewBroker(store Store, logger zerolog.Logger) *Broker {
	b := &Broker{
		store:    store,
		logger:   logger.With().Str("component", "broker").Logger(),
		channels: make(map[string]map[Handler]struct{}),
	}
	store.OnMessage(b.dispatch)
	return b
}

// Subscribe registers h for channel. The store is only asked to subscribe
// when h is the channel's first handler. Subscribing the same handler twice
// is a no-op.
func (b *Broker) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.channels[channel]
	if !ok {
		if err := b.store.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		handlers = make(map[Handler]struct{})
		b.channels[channel] = handlers
		monitoring.SetBrokerChannels(len(b.channels))

		b.logger.Debug().Str("channel", channel).Msg("Store subscription added")
	}
	handlers[h] = struct{}{}
	return nil
}

// Unsubscribe removes h from channel. When the last handler leaves, the
// channel entry is dropped and the store subscription released.
func (b *Broker) Unsubscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.channels[channel]
	if !ok {
		return nil
	}
	delete(handlers, h)
	if len(handlers) > 0 {
		return nil
	}

	delete(b.channels, channel)
	monitoring.SetBrokerChannels(len(b.channels))

	if err := b.store.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	b.logger.Debug().Str("channel", channel).Msg("Store subscription released")
	return nil
}

// Publish JSON-encodes msg and hands it to the store, which delivers it to
// every subscribed process including this one.
func (b *Broker) Publish(ctx context.Context, channel string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", channel, err)
	}
	if err := b.store.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Channels lists channels with at least one local handler.
func (b *Broker) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.channels))
	for ch := range b.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// HandlerCount returns the number of local handlers for channel.
func (b *Broker) HandlerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Close releases the underlying store.
func (b *Broker) Close() error {
	return b.store.Close()
}

func (b *Broker) dispatch(channel string, data []byte) {
	monitoring.RecordBrokerDelivery()

	// Handlers run outside the lock so they can (un)subscribe.
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.channels[channel]))
	for h := range b.channels[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		monitoring.RecordBrokerDecodeFailure()
		b.logger.Warn().
			Err(err).
			Str("channel", channel).
			Int("bytes", len(data)).
			Msg("Dropping undecodable message")
		return
	}

	for _, h := range handlers {
		b.invoke(h, channel, msg)
	}
}

func (b *Broker) invoke(h Handler, channel string, msg Message) {
	defer monitoring.RecoverPanicThen(b.logger, "brokerHandler", map[string]any{"channel": channel}, func(any) {
		monitoring.RecordBrokerHandlerError()
	})

	if err := h.HandleMessage(channel, msg); err != nil {
		monitoring.RecordBrokerHandlerError()
		b.logger.Error().
			Err(err).
			Str("channel", channel).
			Str("type", msg.Type()).
			Msg("Handler failed")
	}
}
