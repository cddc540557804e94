package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/adred-codev/ws_gateway/internal/auth"
	"github.com/adred-codev/ws_gateway/internal/loadgen"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

func main() {
	var (
		cfg       loadgen.Config
		secret    string
		issuer    string
		logFormat string
	)

	flag.StringVar(&cfg.URL, "url", getEnv("WS_URL", "ws://localhost:3004/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:3004/health"), "Health check URL")
	flag.IntVar(&cfg.Connections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.IntVar(&cfg.Users, "users", getEnvInt("USERS", 0), "Distinct synthetic user ids (0 = one per connection)")
	flag.IntVar(&cfg.APIVersion, "api-version", getEnvInt("API_VERSION", 1), "API version sent in StartSession")
	flag.DurationVar(&cfg.Duration, "duration", getEnvDuration("DURATION", 5*time.Minute), "Sustain duration")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "Health check interval")
	flag.DurationVar(&cfg.ConnectTimeout, "connection-timeout", getEnvDuration("CONNECTION_TIMEOUT", 10*time.Second), "Dial and authentication timeout")
	flag.StringVar(&secret, "jwt-secret", getEnv("JWT_SECRET", "development-only-secret"), "Secret used to mint session tokens")
	flag.StringVar(&issuer, "jwt-issuer", getEnv("JWT_ISSUER", "ws-gateway"), "Token issuer")
	flag.StringVar(&logFormat, "log-format", getEnv("LOG_FORMAT", "pretty"), "Log format: json, pretty")
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevelInfo,
		Format: monitoring.LogFormat(logFormat),
	})
	cfg.Logger = logger
	cfg.Tokens = auth.NewJWTResolver(secret, issuer, cfg.Duration+time.Hour)

	logger.Info().
		Str("url", cfg.URL).
		Int("connections", cfg.Connections).
		Int("ramp_rate", cfg.RampRate).
		Dur("duration", cfg.Duration).
		Msg("Starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := loadgen.NewRunner(cfg)

	if cfg.HealthURL != "" {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		health, err := runner.CheckHealth(checkCtx)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Server health check failed")
		}
		if cfg.Connections > health.MaxConnections {
			logger.Warn().
				Int("target", cfg.Connections).
				Int("server_limit", health.MaxConnections).
				Msg("Target exceeds server capacity; expect rejections")
		}
	}

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("Load test failed")
	}
	logger.Info().Msg("Load test finished")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
