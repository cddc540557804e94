// Package kafka bridges domain events produced by backend services on Kafka
// topics onto the pub/sub bus.
//
// Record key: channel name (for example "conversation:42").
// Record value: JSON event object with at least a "type" field.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/pubsub"
)

var (
	ErrMissingChannel = errors.New("record has no channel key")
	ErrInvalidEvent   = errors.New("record value is not a JSON object")
)

// Publisher is the producer path the bridge feeds, events.Publisher in
// production.
type Publisher interface {
	Publish(ctx context.Context, channel string, event pubsub.Message) (pubsub.Message, error)
}

// Config holds consumer configuration
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Publisher     Publisher
	// MaxRecordsPerSec throttles publishing; zero disables the limit.
	MaxRecordsPerSec float64
	Logger           zerolog.Logger
}

// Bridge consumes records and republishes them as bus events.
type Bridge struct {
	client    *kgo.Client
	publisher Publisher
	limiter   *rate.Limiter
	logger    zerolog.Logger
	topics    []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_bridge").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := newBridge(cfg.Publisher, cfg.MaxRecordsPerSec, logger)
	b.client = client
	b.topics = cfg.Topics
	return b, nil
}

func newBridge(publisher Publisher, maxPerSec float64, logger zerolog.Logger) *Bridge {
	b := &Bridge{publisher: publisher, logger: logger}
	if maxPerSec > 0 {
		burst := int(maxPerSec)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(maxPerSec), burst)
	}
	return b
}

// Start begins consuming on a background goroutine until Stop or ctx ends.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.consumeLoop(ctx)

	b.logger.Info().Strs("topics", b.topics).Msg("Kafka bridge started")
}

// Stop ends the consume loop and closes the client.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.client.Close()
	b.logger.Info().Msg("Kafka bridge stopped")
}

func (b *Bridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "kafka_consume_loop", map[string]any{"topics": b.topics})

	for {
		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Error().
				Err(err).
				Str("topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})

		fetches.EachRecord(func(record *kgo.Record) {
			if err := b.handleRecord(ctx, record); err != nil && ctx.Err() == nil {
				b.logger.Warn().
					Err(err).
					Str("topic", record.Topic).
					Int32("partition", record.Partition).
					Int64("offset", record.Offset).
					Msg("Dropping record")
			}
		})
	}
}

// handleRecord decodes one record and publishes it to the channel named by
// its key.
func (b *Bridge) handleRecord(ctx context.Context, record *kgo.Record) error {
	channel := string(record.Key)
	if channel == "" {
		monitoring.RecordIngest("invalid")
		return ErrMissingChannel
	}

	var event pubsub.Message
	if err := json.Unmarshal(record.Value, &event); err != nil || event == nil {
		monitoring.RecordIngest("invalid")
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if _, err := b.publisher.Publish(ctx, channel, event); err != nil {
		monitoring.RecordIngest("failed")
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	monitoring.RecordIngest("published")
	return nil
}
