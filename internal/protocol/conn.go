package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/monitoring"
)

var (
	ErrClosed            = errors.New("connection closed")
	ErrNotAuthenticated  = errors.New("connection not authenticated")
	ErrNotAuthenticating = errors.New("connection not authenticating")
)

// State is the protocol state of a connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Transport is one message-oriented client link. ReadMessage must return an
// error once Close has been called.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code uint16, reason string) error
}

// Delegate reacts to protocol events on behalf of a connection.
type Delegate interface {
	// OnStartSession authenticates the connection. It runs on its own
	// goroutine while the state is Authenticating and must call Conn.Ready
	// on success. A returned error ends the connection, with the reason of
	// a *CloseError if there is one and ServerError otherwise.
	OnStartSession(ctx context.Context, payload StartSession) error
	// Cleanup is called exactly once, after the transport is closed.
	Cleanup()
}

// Options configures a Conn.
type Options struct {
	SessionID     string        // Random if empty
	PingInterval  time.Duration // Heartbeat period, also announced in Hello
	AuthTimeout   time.Duration // Upper bound on the Authenticating state
	SendQueueSize int           // Outbound frames buffered before the peer counts as too slow
	Logger        zerolog.Logger
}

// Conn runs the protocol for one client connection.
//
// Frames are written by a single goroutine in the order they were queued.
// End may be called from any goroutine and any number of times; the first
// call wins.
type Conn struct {
	transport Transport
	opts      Options
	logger    zerolog.Logger
	delegate  Delegate

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	endOnce     sync.Once
	closeReason CloseReason
	notify      bool

	hbMu         sync.Mutex
	lastPingSent int64
	lastPong     int64
}

func NewConn(transport Transport, opts Options) *Conn {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With().Str("session_id", opts.SessionID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, opts.SendQueueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Conn) SessionID() string {
	return c.opts.SessionID
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Context is cancelled when the connection ends.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed once the transport is closed and the delegate cleaned up.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the reason the connection ended with. Only meaningful
// after Done is closed.
func (c *Conn) CloseReason() CloseReason {
	<-c.closing
	return c.closeReason
}

// Run greets the client and processes frames until the connection ends.
// It returns after delegate.Cleanup has run.
func (c *Conn) Run(delegate Delegate) {
	c.delegate = delegate

	go c.writePump()

	c.enqueue(OpHello, Hello{
		SessionID:    c.opts.SessionID,
		PingInterval: c.opts.PingInterval.Milliseconds(),
	})

	go c.heartbeat()

	c.readPump()
	<-c.done
}

// Ready moves an authenticating connection to Authenticated and sends the
// ReadySession frame.
func (c *Conn) Ready(ready ReadySession) error {
	if !c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAuthenticated)) {
		if c.State() == StateDead {
			return ErrClosed
		}
		return ErrNotAuthenticating
	}

	monitoring.RecordAuthenticated()
	c.logger.Info().Str("user_id", ready.UserID).Int("scope_items", len(ready.Scope)).Msg("Session ready")

	c.enqueue(OpReadySession, ready)
	return nil
}

// Send queues an event frame for an authenticated connection. A full queue
// ends the connection with ServerError rather than blocking the caller.
func (c *Conn) Send(op Opcode, payload any) error {
	switch c.State() {
	case StateAuthenticated:
	case StateDead:
		return ErrClosed
	default:
		return ErrNotAuthenticated
	}
	if !c.enqueue(op, payload) {
		return ErrClosed
	}
	return nil
}

// End terminates the connection with reason. The client receives a
// DeadSession frame, then a close frame carrying the reason.
func (c *Conn) End(reason CloseReason) {
	c.terminate(reason, true)
}

func (c *Conn) terminate(reason CloseReason, notify bool) {
	c.endOnce.Do(func() {
		previous := State(c.state.Swap(int32(StateDead)))
		c.closeReason = reason
		c.notify = notify
		c.cancel()

		monitoring.RecordDisconnect(reason.Message)
		c.logger.Info().
			Uint16("close_code", reason.Code).
			Str("close_reason", reason.Message).
			Str("previous_state", previous.String()).
			Msg("Connection ending")

		close(c.closing)
	})
}

func (c *Conn) enqueue(op Opcode, payload any) bool {
	data, err := Encode(op, payload)
	if err != nil {
		monitoring.LogError(c.logger, err, "Failed to encode frame", map[string]any{"opcode": op.String()})
		c.End(ServerError)
		return false
	}

	select {
	case c.send <- data:
		monitoring.RecordFrameSent(op.String())
		return true
	default:
		c.logger.Warn().
			Str("opcode", op.String()).
			Int("queue_size", c.opts.SendQueueSize).
			Msg("Send queue full, dropping slow client")
		c.End(ServerError)
		return false
	}
}

func (c *Conn) readPump() {
	defer monitoring.RecoverPanicThen(c.logger, "readPump", nil, func(any) {
		c.End(ServerError)
	})

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() != StateDead {
				c.logger.Debug().Err(err).Msg("Transport read failed")
			}
			c.terminate(transportClosed, false)
			return
		}

		c.handleFrame(data)
		if c.State() == StateDead {
			return
		}
	}
}

func (c *Conn) handleFrame(data []byte) {
	defer monitoring.RecoverPanicThen(c.logger, "handleFrame", nil, func(any) {
		c.End(ServerError)
	})

	frame, err := DecodeClientFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Rejecting client frame")
		c.End(InvalidPayload)
		return
	}
	monitoring.RecordFrameReceived(frame.Opcode().String())

	switch f := frame.(type) {
	case StartSession:
		c.startSession(f)
	case Ping:
		c.enqueue(OpPong, f.Nonce)
	case Pong:
		c.acceptPong(f.Nonce)
	}
}

func (c *Conn) startSession(payload StartSession) {
	if !c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticating)) {
		c.logger.Warn().Str("state", c.State().String()).Msg("StartSession outside Unauthenticated")
		c.End(DisallowedOperation)
		return
	}

	go c.authenticate(payload)
}

func (c *Conn) authenticate(payload StartSession) {
	defer monitoring.RecoverPanicThen(c.logger, "authenticate", nil, func(any) {
		c.End(ServerError)
	})

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AuthTimeout)
	defer cancel()

	timer := time.AfterFunc(c.opts.AuthTimeout, func() {
		if c.State() == StateAuthenticating {
			c.End(AuthenticationTimeout)
		}
	})
	defer timer.Stop()

	err := c.delegate.OnStartSession(ctx, payload)
	if err == nil {
		if c.State() == StateAuthenticating {
			c.logger.Error().Msg("StartSession handled without Ready")
			c.End(ServerError)
		}
		return
	}

	reason := ServerError
	var closeErr *CloseError
	switch {
	case errors.As(err, &closeErr):
		reason = closeErr.Reason
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = AuthenticationTimeout
	}
	if c.State() != StateDead {
		c.logger.Warn().Err(err).Str("close_reason", reason.Message).Msg("StartSession rejected")
	}
	c.End(reason)
}

func (c *Conn) acceptPong(nonce int64) {
	c.hbMu.Lock()
	expected := c.lastPingSent
	ok := expected != 0 && nonce == expected
	if ok {
		c.lastPong = nonce
	}
	c.hbMu.Unlock()

	if !ok {
		c.logger.Warn().Int64("nonce", nonce).Int64("expected", expected).Msg("Pong does not match outstanding ping")
		c.End(PingTimeout)
	}
}

func (c *Conn) heartbeat() {
	defer monitoring.RecoverPanic(c.logger, "heartbeat", nil)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.hbMu.Lock()
			if c.lastPingSent != 0 && c.lastPong != c.lastPingSent {
				c.hbMu.Unlock()
				c.End(PingTimeout)
				return
			}
			nonce := time.Now().UnixMilli()
			if nonce <= c.lastPingSent {
				nonce = c.lastPingSent + 1
			}
			c.lastPingSent = nonce
			c.hbMu.Unlock()

			c.enqueue(OpPing, nonce)
		}
	}
}

func (c *Conn) writePump() {
	defer close(c.done)
	defer monitoring.RecoverPanic(c.logger, "writePump", nil)

	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug().Err(err).Msg("Transport write failed")
				c.terminate(transportClosed, false)
			}
		case <-c.closing:
			c.finish()
			return
		}
	}
}

// finish flushes queued frames, sends DeadSession, closes the transport and
// runs the delegate cleanup.
func (c *Conn) finish() {
	if c.notify {
	drain:
		for {
			select {
			case data := <-c.send:
				if err := c.transport.WriteMessage(data); err != nil {
					c.notify = false
					break drain
				}
			default:
				break drain
			}
		}
	}

	if c.notify {
		if data, err := Encode(OpDeadSession, DeadSession{}); err == nil {
			if err := c.transport.WriteMessage(data); err == nil {
				monitoring.RecordFrameSent(OpDeadSession.String())
			}
		}
	}

	if err := c.transport.Close(c.closeReason.Code, c.closeReason.Message); err != nil {
		c.logger.Debug().Err(err).Msg("Transport close failed")
	}

	if c.delegate != nil {
		func() {
			defer monitoring.RecoverPanic(c.logger, "cleanup", nil)
			c.delegate.Cleanup()
		}()
	}
}
