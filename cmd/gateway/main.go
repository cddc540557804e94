package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/directory"
	"github.com/adred-codev/ws_gateway/internal/events"
	"github.com/adred-codev/ws_gateway/internal/gateway"
	"github.com/adred-codev/ws_gateway/internal/ingest/kafka"
	"github.com/adred-codev/ws_gateway/internal/limits"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/platform"
	"github.com/adred-codev/ws_gateway/internal/pubsub"
	"github.com/adred-codev/ws_gateway/internal/session"
	"github.com/adred-codev/ws_gateway/internal/snowflake"
)

const (
	startupTimeout  = 30 * time.Second
	devJWTSecret    = "development-only-secret"
	leaseStopBudget = 5 * time.Second
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: monitoring.LogLevelInfo})

	cfg, err := platform.LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting gateway")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

// backend bundles the pub/sub store with the lease store used for node ids
// and whatever must be closed on exit.
type backend struct {
	store  pubsub.Store
	leases snowflake.LeaseStore
	close  func()
}

func openBackend(ctx context.Context, cfg *platform.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.PubSubBackend == platform.BackendMemory {
		logger.Warn().Msg("Using in-process pub/sub; sessions on other processes will not see events")
		return &backend{
			store:  pubsub.NewMemoryStore(),
			leases: snowflake.NewMemoryLeaseStore(),
			close:  func() {},
		}, nil
	}

	// Redis holds node leases for every networked backend.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	b := &backend{
		leases: snowflake.NewRedisLeaseStore(client),
		close:  func() { _ = client.Close() },
	}

	switch cfg.PubSubBackend {
	case platform.BackendNATS:
		conn, err := pubsub.ConnectNATS(pubsub.NATSConfig{
			URL:           cfg.NATSURL,
			Name:          "ws-gateway",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			PingInterval:  20 * time.Second,
			MaxPingsOut:   3,
		}, logger)
		if err != nil {
			b.close()
			return nil, err
		}
		b.store = pubsub.NewNATSStore(conn, cfg.NATSSubjectPrefix, logger)
	default:
		b.store = pubsub.NewRedisStore(client, logger)
	}

	return b, nil
}

func run(cfg *platform.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	be, err := openBackend(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	lease, err := snowflake.AssignNode(startCtx, be.leases, snowflake.LeaseOptions{
		Prefix:        cfg.NodeLeasePrefix,
		TTL:           cfg.NodeLeaseTTL,
		RenewInterval: cfg.NodeLeaseRenew,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("assigning node id: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), leaseStopBudget)
		defer cancel()
		if err := lease.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Stopping node lease")
		}
	}()

	ids, err := snowflake.New(lease.Node())
	if err != nil {
		return err
	}

	broker := pubsub.NewBroker(be.store, logger)
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing broker")
		}
	}()

	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn().Msg("JWT_SECRET not set; using the development secret")
		secret = devJWTSecret
	}
	resolver := auth.NewJWTResolver(secret, cfg.JWTIssuer, cfg.JWTTokenTTL)

	dir, err := directory.NewSQLiteDirectory(cfg.DirectoryPath, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	var rateLimiter *limits.ConnectionRateLimiter
	if cfg.ConnRateLimitEnabled {
		rateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPRate,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
			Logger:      logger,
		})
	}

	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimit:        cfg.MemoryLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
		Logger:             logger,
	}, nil)
	guard.StartMonitoring(ctx, cfg.MetricsInterval)

	server := gateway.NewServer(gateway.Options{
		Config: gateway.Config{
			MaxConnections: cfg.MaxConnections,
			PingInterval:   cfg.PingInterval,
			AuthTimeout:    cfg.AuthTimeout,
			SendQueueSize:  cfg.SendQueueSize,
			WriteTimeout:   cfg.WriteTimeout,
			MaxFrameSize:   cfg.MaxFrameSize,
			Session: session.Config{
				SupportedAPIVersions: cfg.SupportedAPIVersions,
				InboxSize:            cfg.SessionInboxSize,
				FetchTimeout:         cfg.ScopeFetchTimeout,
			},
		},
		Deps: session.Deps{
			Broker:   broker,
			Resolver: resolver,
			Lister:   dir,
			Fetcher:  dir,
			Logger:   logger,
		},
		RateLimiter:   rateLimiter,
		ResourceGuard: guard,
		NodeID:        lease.Node(),
		Logger:        logger,
	})
	if err := server.Start(cfg.Addr); err != nil {
		return err
	}

	var bridge *kafka.Bridge
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		bridge, err = kafka.NewBridge(kafka.Config{
			Brokers:          brokers,
			ConsumerGroup:    cfg.ConsumerGroup,
			Topics:           cfg.KafkaTopicList(),
			Publisher:        events.NewPublisher(broker, ids),
			MaxRecordsPerSec: cfg.KafkaMaxRate,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		bridge.Start(ctx)
	}

	logger.Info().
		Int64("node_id", lease.Node()).
		Str("addr", server.Addr()).
		Msg("Gateway ready")

	<-ctx.Done()
	logger.Info().Dur("grace", cfg.ShutdownGrace).Msg("Shutdown signal received")

	if bridge != nil {
		bridge.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}

	logger.Info().Msg("Graceful shutdown completed")
	return nil
}
