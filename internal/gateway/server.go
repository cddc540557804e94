// Package gateway serves WebSocket clients: it upgrades HTTP requests, runs
// one protocol connection and session per client, and tracks the live set
// for broadcast and shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/limits"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/protocol"
	"github.com/adred-codev/ws_gateway/internal/session"
)

var ErrShuttingDown = errors.New("gateway is shutting down")

// Config holds per-connection and capacity settings.
type Config struct {
	MaxConnections int
	PingInterval   time.Duration
	AuthTimeout    time.Duration
	SendQueueSize  int
	WriteTimeout   time.Duration
	MaxFrameSize   int64
	Session        session.Config
}

// Options wires a Server. RateLimiter and ResourceGuard are optional.
type Options struct {
	Config        Config
	Deps          session.Deps
	RateLimiter   *limits.ConnectionRateLimiter
	ResourceGuard *limits.ResourceGuard
	NodeID        int64
	Logger        zerolog.Logger
}

type liveSession struct {
	conn    *protocol.Conn
	session *session.Orchestrator
	ip      string
	started time.Time
}

type Server struct {
	cfg         Config
	deps        session.Deps
	logger      zerolog.Logger
	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard
	nodeID      int64
	startedAt   time.Time

	sessions     sync.Map // session id -> *liveSession
	active       atomic.Int64
	sem          chan struct{}
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	httpServer *http.Server
	listener   net.Listener
}

func NewServer(opts Options) *Server {
	if opts.Config.MaxConnections <= 0 {
		opts.Config.MaxConnections = 10000
	}

	s := &Server{
		cfg:         opts.Config,
		deps:        opts.Deps,
		logger:      opts.Logger.With().Str("component", "gateway").Logger(),
		rateLimiter: opts.RateLimiter,
		guard:       opts.ResourceGuard,
		nodeID:      opts.NodeID,
		startedAt:   time.Now(),
		sem:         make(chan struct{}, opts.Config.MaxConnections),
	}

	s.logger.Info().
		Int("max_connections", s.cfg.MaxConnections).
		Dur("ping_interval", s.cfg.PingInterval).
		Dur("auth_timeout", s.cfg.AuthTimeout).
		Int64("node_id", s.nodeID).
		Bool("rate_limit_enabled", s.rateLimiter != nil).
		Msg("Gateway initialized")

	return s
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		defer monitoring.RecoverPanic(s.logger, "http_serve", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptConnection(s.active.Load()); !accept {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("reason", reason).
				Msg("Connection rejected by ResourceGuard")
			monitoring.ConnectionsFailed.Inc()
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at max connections")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	var src io.Reader = netConn
	if rw != nil && rw.Reader != nil {
		src = rw.Reader
	}
	transport := newWSTransport(netConn, src, s.cfg.MaxFrameSize, s.cfg.WriteTimeout)

	s.wg.Add(1)
	go s.serve(transport, clientIP)
}

// serve runs one client connection to completion.
func (s *Server) serve(transport *wsTransport, clientIP string) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	conn := protocol.NewConn(transport, protocol.Options{
		PingInterval:  s.cfg.PingInterval,
		AuthTimeout:   s.cfg.AuthTimeout,
		SendQueueSize: s.cfg.SendQueueSize,
		Logger:        s.logger,
	})
	orchestrator := session.New(conn, s.deps, s.cfg.Session)

	live := &liveSession{conn: conn, session: orchestrator, ip: clientIP, started: time.Now()}
	s.sessions.Store(conn.SessionID(), live)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(s.active.Add(1)))

	// A shutdown that started between admission and registration would
	// otherwise miss this connection.
	if s.shuttingDown.Load() {
		conn.End(protocol.ServerShutdown)
	}

	s.logger.Debug().
		Str("session_id", conn.SessionID()).
		Str("client_ip", clientIP).
		Msg("Client connected")

	func() {
		defer monitoring.RecoverPanicThen(s.logger, "connection", map[string]any{
			"session_id": conn.SessionID(),
		}, func(any) { conn.End(protocol.ServerError) })
		conn.Run(orchestrator)
	}()

	s.sessions.Delete(conn.SessionID())
	monitoring.ConnectionsActive.Set(float64(s.active.Add(-1)))

	event := s.logger.Debug().
		Str("session_id", conn.SessionID()).
		Str("client_ip", clientIP).
		Str("close_reason", conn.CloseReason().Message).
		Dur("duration", time.Since(live.started))
	if identity, ok := orchestrator.Identity(); ok {
		event = event.Str("user_id", identity.UserID)
	}
	event.Msg("Client disconnected")
}

// Broadcast sends a frame to every authenticated session and returns how
// many accepted it.
func (s *Server) Broadcast(op protocol.Opcode, payload any) int {
	sent := 0
	s.sessions.Range(func(_, value any) bool {
		live := value.(*liveSession)
		if live.conn.State() != protocol.StateAuthenticated {
			return true
		}
		if err := live.conn.Send(op, payload); err == nil {
			sent++
		}
		return true
	})

	s.logger.Info().
		Str("opcode", op.String()).
		Int("recipients", sent).
		Msg("Broadcast sent")
	return sent
}

// Shutdown stops accepting upgrades, ends every live session with
// ServerShutdown and waits for their cleanup or ctx, whichever is first.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return ErrShuttingDown
	}

	s.logger.Info().
		Int64("active_sessions", s.active.Load()).
		Msg("Initiating graceful shutdown")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown")
		}
	}

	s.sessions.Range(func(_, value any) bool {
		value.(*liveSession).conn.End(protocol.ServerShutdown)
		return true
	})

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
		s.logger.Info().Msg("All sessions drained")
	case <-ctx.Done():
		err = fmt.Errorf("waiting for sessions: %w", ctx.Err())
		s.logger.Warn().
			Int64("remaining_sessions", s.active.Load()).
			Msg("Grace period expired with sessions still open")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return err
}

type healthResponse struct {
	Status         string         `json:"status"`
	NodeID         int64          `json:"node_id"`
	ActiveSessions int64          `json:"active_sessions"`
	MaxConnections int            `json:"max_connections"`
	BrokerChannels int            `json:"broker_channels"`
	Uptime         string         `json:"uptime"`
	Resources      map[string]any `json:"resources,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	resp := healthResponse{
		Status:         status,
		NodeID:         s.nodeID,
		ActiveSessions: s.active.Load(),
		MaxConnections: s.cfg.MaxConnections,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
	}
	if counter, ok := s.deps.Broker.(interface{ Channels() []string }); ok {
		resp.BrokerChannels = len(counter.Channels())
	}
	if s.guard != nil {
		resp.Resources = s.guard.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Health response write failed")
	}
}

// getClientIP prefers the first X-Forwarded-For hop and falls back to the
// remote address.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
