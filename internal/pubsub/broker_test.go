package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []Message
	err      error
	panics   bool
}

func (h *recordingHandler) HandleMessage(_ string, msg Message) error {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()

	if h.panics {
		panic("handler exploded")
	}
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func (h *recordingHandler) last() Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.received) == 0 {
		return nil
	}
	return h.received[len(h.received)-1]
}

// countingStore records store-level calls made by the broker.
type countingStore struct {
	*MemoryStore

	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
	failNext     error
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStore:  NewMemoryStore(),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (s *countingStore) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	s.subscribes[channel]++
	s.mu.Unlock()
	return s.MemoryStore.Subscribe(ctx, channel)
}

func (s *countingStore) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	s.unsubscribes[channel]++
	s.mu.Unlock()
	return s.MemoryStore.Unsubscribe(ctx, channel)
}

func (s *countingStore) calls(channel string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[channel], s.unsubscribes[channel]
}

func TestBrokerSubscribesStoreOnlyOnFirstHandler(t *testing.T) {
	store := newCountingStore()
	broker := NewBroker(store, zerolog.Nop())
	a, b := &recordingHandler{}, &recordingHandler{}

	require.NoError(t, broker.Subscribe(t.Context(), "user:1", a))
	require.NoError(t, broker.Subscribe(t.Context(), "user:1", b))
	require.NoError(t, broker.Subscribe(t.Context(), "user:1", a))

	subs, unsubs := store.calls("user:1")
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)
	assert.Equal(t, 2, broker.HandlerCount("user:1"))

	require.NoError(t, broker.Unsubscribe(t.Context(), "user:1", a))
	_, unsubs = store.calls("user:1")
	assert.Equal(t, 0, unsubs, "b still listens")

	require.NoError(t, broker.Unsubscribe(t.Context(), "user:1", b))
	_, unsubs = store.calls("user:1")
	assert.Equal(t, 1, unsubs)
	assert.Empty(t, broker.Channels())
}

func TestBrokerUnsubscribeUnknownIsNoop(t *testing.T) {
	store := newCountingStore()
	broker := NewBroker(store, zerolog.Nop())

	require.NoError(t, broker.Unsubscribe(t.Context(), "nobody", &recordingHandler{}))
	_, unsubs := store.calls("nobody")
	assert.Zero(t, unsubs)
}

func TestBrokerSubscribeStoreFailureLeavesNoEntry(t *testing.T) {
	store := newCountingStore()
	store.failNext = errors.New("store down")
	broker := NewBroker(store, zerolog.Nop())

	err := broker.Subscribe(t.Context(), "conversation:9", &recordingHandler{})
	require.Error(t, err)
	assert.Empty(t, broker.Channels())
}

func TestBrokerPublishDeliversDecodedMessage(t *testing.T) {
	broker := NewBroker(NewMemoryStore(), zerolog.Nop())
	h := &recordingHandler{}
	require.NoError(t, broker.Subscribe(t.Context(), "conversation:5", h))

	require.NoError(t, broker.Publish(t.Context(), "conversation:5", map[string]any{
		"type":    "message.create",
		"content": "hi",
	}))

	require.Equal(t, 1, h.count())
	assert.Equal(t, "message.create", h.last().Type())
	assert.Equal(t, "hi", h.last().String("content"))
}

func TestBrokerFailingHandlersDoNotStopOthers(t *testing.T) {
	broker := NewBroker(NewMemoryStore(), zerolog.Nop())
	failing := &recordingHandler{err: errors.New("nope")}
	panicking := &recordingHandler{panics: true}
	healthy := &recordingHandler{}

	for _, h := range []*recordingHandler{failing, panicking, healthy} {
		require.NoError(t, broker.Subscribe(t.Context(), "user:2", h))
	}

	require.NoError(t, broker.Publish(t.Context(), "user:2", map[string]any{"type": "user.update"}))

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, panicking.count())
	assert.Equal(t, 1, healthy.count())
}

func TestBrokerDropsUndecodableMessages(t *testing.T) {
	store := NewMemoryStore()
	broker := NewBroker(store, zerolog.Nop())
	h := &recordingHandler{}
	require.NoError(t, broker.Subscribe(t.Context(), "user:3", h))

	require.NoError(t, store.Publish(t.Context(), "user:3", []byte("{not json")))
	require.NoError(t, store.Publish(t.Context(), "user:3", []byte(`"a string"`)))
	assert.Zero(t, h.count())

	require.NoError(t, store.Publish(t.Context(), "user:3", []byte(`{"type":"typing.start"}`)))
	assert.Equal(t, 1, h.count())
}

func TestBrokerNoDeliveryAfterLastUnsubscribe(t *testing.T) {
	store := NewMemoryStore()
	broker := NewBroker(store, zerolog.Nop())
	h := &recordingHandler{}

	require.NoError(t, broker.Subscribe(t.Context(), "conversation:1", h))
	require.NoError(t, broker.Publish(t.Context(), "conversation:1", map[string]any{"type": "x"}))
	require.Equal(t, 1, store.Deliveries("conversation:1"))

	require.NoError(t, broker.Unsubscribe(t.Context(), "conversation:1", h))
	require.NoError(t, broker.Publish(t.Context(), "conversation:1", map[string]any{"type": "x"}))

	assert.Equal(t, 1, store.Deliveries("conversation:1"))
	assert.False(t, store.Subscribed("conversation:1"))
	assert.Equal(t, 1, h.count())
}

func TestBrokerFanOutAcrossProcesses(t *testing.T) {
	bus := NewMemoryBus()
	first := NewBroker(bus.NewStore(), zerolog.Nop())
	second := NewBroker(bus.NewStore(), zerolog.Nop())
	a, b := &recordingHandler{}, &recordingHandler{}

	require.NoError(t, first.Subscribe(t.Context(), "user:7", a))
	require.NoError(t, second.Subscribe(t.Context(), "user:7", b))

	require.NoError(t, first.Publish(t.Context(), "user:7", map[string]any{"type": "user.update"}))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

type resubscribingHandler struct {
	broker *Broker
	target Handler
}

func (h *resubscribingHandler) HandleMessage(channel string, _ Message) error {
	return h.broker.Subscribe(context.Background(), channel+":child", h.target)
}

func TestBrokerHandlersMaySubscribeDuringDispatch(t *testing.T) {
	broker := NewBroker(NewMemoryStore(), zerolog.Nop())
	child := &recordingHandler{}
	require.NoError(t, broker.Subscribe(t.Context(), "parent", &resubscribingHandler{broker: broker, target: child}))

	require.NoError(t, broker.Publish(t.Context(), "parent", map[string]any{"type": "x"}))
	assert.Equal(t, 1, broker.HandlerCount("parent:child"))
}
