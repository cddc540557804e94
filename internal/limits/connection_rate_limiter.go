package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

// ConnectionRateLimiter throttles WebSocket upgrade attempts with two token
// buckets: one shared by every client and one per remote IP.
type ConnectionRateLimiter struct {
	mu       sync.Mutex
	perIP    map[string]*ipBucket
	ipBurst  int
	ipRate   rate.Limit
	ipTTL    time.Duration
	global   *rate.Limiter
	logger   zerolog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnectionRateLimiterConfig holds connection rate limiting settings.
// Zero values fall back to 10 burst / 1 per second per IP, a 5 minute idle
// TTL, and 300 burst / 50 per second globally.
type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64

	// CleanupInterval controls how often idle IP buckets are evicted.
	CleanupInterval time.Duration

	Logger zerolog.Logger
}

func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst <= 0 {
		config.IPBurst = 10
	}
	if config.IPRate <= 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = 50.0
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	l := &ConnectionRateLimiter{
		perIP:   make(map[string]*ipBucket),
		ipBurst: config.IPBurst,
		ipRate:  rate.Limit(config.IPRate),
		ipTTL:   config.IPTTL,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:  config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go l.cleanupLoop(config.CleanupInterval)

	l.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return l
}

// Allow reports whether an upgrade from ip may proceed. The global bucket is
// checked first so a flood from many addresses never allocates per-IP state.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !l.bucket(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (l *ConnectionRateLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perIP[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.ipRate, l.ipBurst)}
		l.perIP[ip] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops IP buckets not used within the TTL.
func (l *ConnectionRateLimiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.ipTTL)
	removed := 0
	for ip, b := range l.perIP {
		if b.lastSeen.Before(cutoff) {
			delete(l.perIP, ip)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.perIP)).
			Msg("Evicted idle IP rate limiters")
	}
	return removed
}

// TrackedIPs returns how many addresses currently hold a bucket.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
