package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/protocol"
)

// TokenSource mints bearer tokens for synthetic users. auth.JWTResolver
// satisfies it.
type TokenSource interface {
	Generate(userID, displayName string) (string, error)
}

type Config struct {
	URL            string
	HealthURL      string
	Connections    int
	RampRate       int // connections per second
	Duration       time.Duration
	ReportInterval time.Duration
	HealthInterval time.Duration
	ConnectTimeout time.Duration
	APIVersion     int
	// Users is the size of the synthetic user id pool; connections are
	// spread across it round robin.
	Users  int
	Tokens TokenSource
	Logger zerolog.Logger
}

// Stats is a point-in-time copy of the run counters.
type Stats struct {
	Active        int64
	Created       int64
	Failed        int64
	Ready         int64
	Frames        int64
	Closed        int64
	FailureCauses map[string]int64
	CloseCodes    map[int]int64
}

// Health is the subset of the gateway health document the runner checks.
type Health struct {
	Status         string `json:"status"`
	NodeID         int64  `json:"node_id"`
	ActiveSessions int64  `json:"active_sessions"`
	MaxConnections int    `json:"max_connections"`
	BrokerChannels int    `json:"broker_channels"`
}

// Runner ramps connections up to a target, holds them for a duration and
// reports what it saw.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
	http   *http.Client

	active  atomic.Int64
	created atomic.Int64
	failed  atomic.Int64
	ready   atomic.Int64
	frames  atomic.Int64
	closed  atomic.Int64

	mu         sync.Mutex
	causes     map[string]int64
	closeCodes map[int]int64

	wg sync.WaitGroup
}

func NewRunner(cfg Config) *Runner {
	if cfg.RampRate <= 0 {
		cfg.RampRate = 100
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.APIVersion <= 0 {
		cfg.APIVersion = 1
	}
	if cfg.Users <= 0 {
		cfg.Users = cfg.Connections
	}
	return &Runner{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "loadgen").Logger(),
		http:       &http.Client{Timeout: 5 * time.Second},
		causes:     make(map[string]int64),
		closeCodes: make(map[int]int64),
	}
}

// Run ramps up, sustains for the configured duration and then hangs up every
// connection. It returns early with ctx's error when ctx ends during ramp-up.
func (r *Runner) Run(ctx context.Context) error {
	connCtx, hangUp := context.WithCancel(ctx)
	defer func() {
		hangUp()
		r.wg.Wait()
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if r.cfg.ReportInterval > 0 {
		go r.every(bgCtx, r.cfg.ReportInterval, r.report)
	}
	if r.cfg.HealthURL != "" && r.cfg.HealthInterval > 0 {
		go r.every(bgCtx, r.cfg.HealthInterval, func() { r.checkHealth(bgCtx) })
	}

	if err := r.rampUp(connCtx); err != nil {
		return err
	}
	r.logger.Info().
		Int64("active", r.active.Load()).
		Int64("failed", r.failed.Load()).
		Dur("sustain", r.cfg.Duration).
		Msg("Ramp-up complete")

	if r.cfg.Duration > 0 {
		select {
		case <-time.After(r.cfg.Duration):
		case <-ctx.Done():
			r.logger.Warn().Msg("Sustain phase interrupted")
		}
	}

	r.report()
	return nil
}

// rampUp opens connections in batches ten times a second.
func (r *Runner) rampUp(ctx context.Context) error {
	batchSize := r.cfg.RampRate / 10
	if batchSize < 1 {
		batchSize = 1
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	next := 0
	for next < r.cfg.Connections {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var batch sync.WaitGroup
		for i := 0; i < batchSize && next < r.cfg.Connections; i++ {
			id := next
			next++
			r.created.Add(1)

			batch.Add(1)
			go func() {
				defer batch.Done()
				r.connect(ctx, id)
			}()
		}
		batch.Wait()
	}
	return nil
}

// connect establishes and authenticates one connection, then leaves a reader
// running on it until ctx ends or the server closes it.
func (r *Runner) connect(ctx context.Context, id int) {
	userID := strconv.Itoa(id%r.cfg.Users + 1)

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	client, err := Dial(dialCtx, r.cfg.URL)
	if err != nil {
		r.fail("dial", err)
		return
	}

	token, err := r.cfg.Tokens.Generate(userID, "Load "+userID)
	if err != nil {
		_ = client.Close()
		r.fail("token", err)
		return
	}

	if _, err := client.Authenticate(dialCtx, token, r.cfg.APIVersion); err != nil {
		_ = client.Close()
		r.fail("authenticate", err)
		return
	}
	r.ready.Add(1)
	r.active.Add(1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Add(-1)
		defer client.Close()

		code, err := client.Run(ctx, func(protocol.Opcode, cbor.RawMessage) {
			r.frames.Add(1)
		})
		if code != 0 {
			r.closed.Add(1)
			r.mu.Lock()
			r.closeCodes[int(code)]++
			r.mu.Unlock()
		}
		if err != nil {
			r.logger.Debug().Err(err).Int("conn", id).Msg("Connection ended with error")
		}
	}()
}

func (r *Runner) fail(stage string, err error) {
	r.failed.Add(1)

	cause := stage
	if errors.Is(err, ErrSessionRejected) {
		cause = stage + ": rejected"
	}

	r.mu.Lock()
	r.causes[cause]++
	r.mu.Unlock()

	r.logger.Debug().Err(err).Str("stage", stage).Msg("Connection failed")
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	causes := make(map[string]int64, len(r.causes))
	for k, v := range r.causes {
		causes[k] = v
	}
	codes := make(map[int]int64, len(r.closeCodes))
	for k, v := range r.closeCodes {
		codes[k] = v
	}

	return Stats{
		Active:        r.active.Load(),
		Created:       r.created.Load(),
		Failed:        r.failed.Load(),
		Ready:         r.ready.Load(),
		Frames:        r.frames.Load(),
		Closed:        r.closed.Load(),
		FailureCauses: causes,
		CloseCodes:    codes,
	}
}

func (r *Runner) report() {
	s := r.Stats()

	event := r.logger.Info().
		Int64("active", s.Active).
		Int64("created", s.Created).
		Int64("ready", s.Ready).
		Int64("failed", s.Failed).
		Int64("frames", s.Frames).
		Int64("server_closed", s.Closed)

	if len(s.FailureCauses) > 0 {
		causes := make([]string, 0, len(s.FailureCauses))
		for cause := range s.FailureCauses {
			causes = append(causes, cause)
		}
		sort.Strings(causes)
		dict := zerolog.Dict()
		for _, cause := range causes {
			dict.Int64(cause, s.FailureCauses[cause])
		}
		event = event.Dict("failure_causes", dict)
	}
	event.Msg("Load report")
}

// CheckHealth fetches the gateway health document.
func (r *Runner) CheckHealth(ctx context.Context) (Health, error) {
	var health Health

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return health, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decoding health: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("health status %d (%s)", resp.StatusCode, health.Status)
	}
	return health, nil
}

// checkHealth logs the server's view next to ours. A gap means sessions the
// server still counts that the client side has lost, or the reverse.
func (r *Runner) checkHealth(ctx context.Context) {
	health, err := r.CheckHealth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Health check failed")
		}
		return
	}

	local := r.active.Load()
	event := r.logger.Info()
	if gap := health.ActiveSessions - local; gap != 0 {
		event = r.logger.Warn().Int64("gap", gap)
	}
	event.
		Int64("server_sessions", health.ActiveSessions).
		Int64("client_sessions", local).
		Int("broker_channels", health.BrokerChannels).
		Msg("Health check")
}

func (r *Runner) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
