package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds connection settings for ConnectNATS.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	MaxPingsOut   int
}

// ConnectNATS dials NATS with logging connection handlers attached.
func ConnectNATS(config NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.PingInterval(config.PingInterval),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.ConnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			log.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			event := log.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

const flushTimeout = 2 * time.Second

// NATSStore maps each channel to the subject "<prefix>.<channel>".
// It owns conn and drains it on Close.
type NATSStore struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	deliver func(channel string, data []byte)
}

func NewNATSStore(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSStore {
	return &NATSStore{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_pubsub").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}
}

func (s *NATSStore) OnMessage(deliver func(channel string, data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = deliver
}

func (s *NATSStore) Publish(_ context.Context, channel string, data []byte) error {
	return s.conn.Publish(s.subject(channel), data)
}

func (s *NATSStore) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[channel]; ok {
		return nil
	}

	deliver := s.deliver
	sub, err := s.conn.Subscribe(s.subject(channel), func(msg *nats.Msg) {
		if deliver != nil {
			deliver(s.channel(msg.Subject), msg.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	// Round-trip so the server has registered interest before returning.
	if err := s.flush(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", channel, err)
	}

	s.subs[channel] = sub
	return nil
}

func (s *NATSStore) Unsubscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[channel]
	if !ok {
		return nil
	}
	delete(s.subs, channel)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}
	return nil
}

func (s *NATSStore) Close() error {
	s.mu.Lock()
	s.subs = make(map[string]*nats.Subscription)
	s.mu.Unlock()

	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// flush needs a deadline; FlushWithContext rejects contexts without one.
func (s *NATSStore) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return s.conn.FlushWithContext(ctx)
	}
	return s.conn.FlushTimeout(flushTimeout)
}

func (s *NATSStore) subject(channel string) string {
	if s.prefix == "" {
		return channel
	}
	return s.prefix + "." + channel
}

func (s *NATSStore) channel(subject string) string {
	if s.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, s.prefix+".")
}
