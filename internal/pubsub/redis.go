package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// RedisStore carries channels over Redis PUBLISH/SUBSCRIBE. All
// subscriptions share one PubSub connection, opened on first use.
type RedisStore struct {
	client redis.UniversalClient
	logger zerolog.Logger

	mu      sync.Mutex
	ps      *redis.PubSub
	deliver func(channel string, data []byte)
	done    chan struct{}
}

func NewRedisStore(client redis.UniversalClient, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_pubsub").Logger(),
	}
}

func (s *RedisStore) OnMessage(deliver func(channel string, data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *RedisStore) Publish(ctx context.Context, channel string, data []byte) error {
	return s.client.Publish(ctx, channel, data).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ps != nil {
		return s.ps.Subscribe(ctx, channel)
	}

	ps := s.client.Subscribe(ctx, channel)
	// Wait for the confirmation so the subscription is live on return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("confirm subscription: %w", err)
	}

	s.ps = ps
	s.done = make(chan struct{})
	go s.readLoop(ps.Channel(), s.deliver, s.done)
	return nil
}

func (s *RedisStore) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ps == nil {
		return nil
	}
	return s.ps.Unsubscribe(ctx, channel)
}

// Close stops delivery and waits for the read loop to exit.
// The redis client itself is owned by the caller.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	ps, done := s.ps, s.done
	s.ps = nil
	s.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (s *RedisStore) readLoop(ch <-chan *redis.Message, deliver func(string, []byte), done chan struct{}) {
	defer close(done)
	defer monitoring.RecoverPanic(s.logger, "redisReadLoop", nil)

	for msg := range ch {
		if deliver != nil {
			deliver(msg.Channel, []byte(msg.Payload))
		}
	}
	s.logger.Debug().Msg("Redis pub/sub read loop stopped")
}
