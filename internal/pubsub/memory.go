package pubsub

import (
	"context"
	"errors"
	"sync"
)

var ErrStoreClosed = errors.New("pubsub store closed")

// MemoryBus stands in for a shared pub/sub server inside one process.
// Each MemoryStore attached to it behaves like a separate gateway process.
// Delivery is synchronous with Publish.
type MemoryBus struct {
	mu     sync.Mutex
	stores map[*MemoryStore]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{stores: make(map[*MemoryStore]struct{})}
}

// NewStore attaches a new store to the bus.
func (b *MemoryBus) NewStore() *MemoryStore {
	s := &MemoryStore{
		bus:        b,
		channels:   make(map[string]struct{}),
		deliveries: make(map[string]int),
	}
	b.mu.Lock()
	b.stores[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *MemoryBus) publish(channel string, data []byte) {
	b.mu.Lock()
	targets := make([]*MemoryStore, 0, len(b.stores))
	for s := range b.stores {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.receive(channel, data)
	}
}

func (b *MemoryBus) detach(s *MemoryStore) {
	b.mu.Lock()
	delete(b.stores, s)
	b.mu.Unlock()
}

// MemoryStore is a Store backed by a MemoryBus.
type MemoryStore struct {
	bus *MemoryBus

	mu         sync.Mutex
	closed     bool
	channels   map[string]struct{}
	deliveries map[string]int
	deliver    func(channel string, data []byte)
}

// NewMemoryStore returns a store on its own private bus.
func NewMemoryStore() *MemoryStore {
	return NewMemoryBus().NewStore()
}

func (s *MemoryStore) OnMessage(deliver func(channel string, data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *MemoryStore) Publish(_ context.Context, channel string, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}

	s.bus.publish(channel, data)
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.channels[channel] = struct{}{}
	return nil
}

func (s *MemoryStore) Unsubscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.channels = make(map[string]struct{})
	s.mu.Unlock()

	s.bus.detach(s)
	return nil
}

// Subscribed reports whether the store holds a subscription for channel.
func (s *MemoryStore) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// Deliveries counts messages this store has handed to its subscriber on channel.
func (s *MemoryStore) Deliveries(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliveries[channel]
}

func (s *MemoryStore) receive(channel string, data []byte) {
	s.mu.Lock()
	_, subscribed := s.channels[channel]
	deliver := s.deliver
	if subscribed {
		s.deliveries[channel]++
	}
	s.mu.Unlock()

	if subscribed && deliver != nil {
		deliver(channel, data)
	}
}
