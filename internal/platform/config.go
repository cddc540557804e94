package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Pub/sub store backends
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string        `env:"GATEWAY_ADDR" envDefault:":3002"`
	MaxConnections int           `env:"GATEWAY_MAX_CONNECTIONS" envDefault:"10000"`
	ShutdownGrace  time.Duration `env:"GATEWAY_SHUTDOWN_GRACE" envDefault:"15s"`

	// Protocol
	PingInterval         time.Duration `env:"GATEWAY_PING_INTERVAL" envDefault:"30s"`
	AuthTimeout          time.Duration `env:"GATEWAY_AUTH_TIMEOUT" envDefault:"10s"`
	SendQueueSize        int           `env:"GATEWAY_SEND_QUEUE_SIZE" envDefault:"256"`
	WriteTimeout         time.Duration `env:"GATEWAY_WRITE_TIMEOUT" envDefault:"5s"`
	MaxFrameSize         int64         `env:"GATEWAY_MAX_FRAME_SIZE" envDefault:"65536"`
	SupportedAPIVersions []int         `env:"GATEWAY_SUPPORTED_API_VERSIONS" envDefault:"1" envSeparator:","`
	ScopeFetchTimeout    time.Duration `env:"GATEWAY_SCOPE_FETCH_TIMEOUT" envDefault:"5s"`
	SessionInboxSize     int           `env:"GATEWAY_SESSION_INBOX_SIZE" envDefault:"256"`

	// Connection rate limiting
	ConnRateLimitEnabled bool    `env:"GATEWAY_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"GATEWAY_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate       float64 `env:"GATEWAY_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"GATEWAY_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate   float64 `env:"GATEWAY_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard
	CPURejectThreshold float64       `env:"GATEWAY_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64         `env:"GATEWAY_MEMORY_LIMIT" envDefault:"0"`
	MaxGoroutines      int           `env:"GATEWAY_MAX_GOROUTINES" envDefault:"100000"`
	MetricsInterval    time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Pub/sub store
	PubSubBackend     string `env:"PUBSUB_BACKEND" envDefault:"redis"`
	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL           string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"gateway"`

	// Node lease (snowflake node id)
	NodeLeaseTTL    time.Duration `env:"NODE_LEASE_TTL" envDefault:"30s"`
	NodeLeaseRenew  time.Duration `env:"NODE_LEASE_RENEW" envDefault:"10s"`
	NodeLeasePrefix string        `env:"NODE_LEASE_PREFIX" envDefault:"snowflake:node"`

	// Collaborators
	JWTSecret     string        `env:"JWT_SECRET"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"ws-gateway"`
	JWTTokenTTL   time.Duration `env:"JWT_TOKEN_TTL" envDefault:"24h"`
	DirectoryPath string        `env:"DIRECTORY_PATH" envDefault:"data/directory.db"`

	// Kafka ingest (disabled when no brokers are configured)
	KafkaBrokers  string  `env:"KAFKA_BROKERS"`
	ConsumerGroup string  `env:"KAFKA_CONSUMER_GROUP" envDefault:"ws-gateway"`
	KafkaTopics   string  `env:"KAFKA_TOPICS" envDefault:"gateway.events"`
	KafkaMaxRate  float64 `env:"KAFKA_MAX_RECORDS_PER_SEC" envDefault:"0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; containers set variables directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("GATEWAY_PING_INTERVAL must be > 0, got %s", c.PingInterval)
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("GATEWAY_AUTH_TIMEOUT must be > 0, got %s", c.AuthTimeout)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("GATEWAY_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.SessionInboxSize < 1 {
		return fmt.Errorf("GATEWAY_SESSION_INBOX_SIZE must be > 0, got %d", c.SessionInboxSize)
	}
	if len(c.SupportedAPIVersions) == 0 {
		return fmt.Errorf("GATEWAY_SUPPORTED_API_VERSIONS must list at least one version")
	}
	if c.KafkaMaxRate < 0 {
		return fmt.Errorf("KAFKA_MAX_RECORDS_PER_SEC must be >= 0, got %.1f", c.KafkaMaxRate)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("GATEWAY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	// The lease must be renewed before it can expire
	if c.NodeLeaseTTL <= 0 {
		return fmt.Errorf("NODE_LEASE_TTL must be > 0, got %s", c.NodeLeaseTTL)
	}
	if c.NodeLeaseRenew <= 0 || c.NodeLeaseRenew >= c.NodeLeaseTTL {
		return fmt.Errorf("NODE_LEASE_RENEW (%s) must be > 0 and < NODE_LEASE_TTL (%s)",
			c.NodeLeaseRenew, c.NodeLeaseTTL)
	}

	// Enum checks
	switch c.PubSubBackend {
	case BackendRedis, BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("PUBSUB_BACKEND must be one of: redis, nats, memory (got: %s)", c.PubSubBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.JWTSecret == "" && c.Environment != "development" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}

	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS on commas, dropping empty entries.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// KafkaTopicList splits KAFKA_TOPICS on commas, dropping empty entries.
func (c *Config) KafkaTopicList() []string {
	return splitList(c.KafkaTopics)
}

func splitList(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("ping_interval", c.PingInterval).
		Dur("auth_timeout", c.AuthTimeout).
		Int("send_queue_size", c.SendQueueSize).
		Ints("supported_api_versions", c.SupportedAPIVersions).
		Bool("conn_rate_limit_enabled", c.ConnRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("pubsub_backend", c.PubSubBackend).
		Dur("node_lease_ttl", c.NodeLeaseTTL).
		Dur("node_lease_renew", c.NodeLeaseRenew).
		Str("directory_path", c.DirectoryPath).
		Strs("kafka_brokers", c.KafkaBrokerList()).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
