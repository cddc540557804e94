package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory client link. Frames pushed with deliver are
// returned by ReadMessage, frames written by the connection are recorded.
type fakeTransport struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
	code    uint16
	reason  string
	closes  int

	closed    chan struct{}
	closeOnce sync.Once

	autoPong  bool
	writeGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.writeGate != nil {
		<-f.writeGate
	}
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}

	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()

	if f.autoPong {
		if op, raw := splitFrame(data); op == OpPing {
			var nonce int64
			if cbor.Unmarshal(raw, &nonce) == nil {
				f.inbound <- encodeFrame(OpPong, nonce)
			}
		}
	}
	return nil
}

func (f *fakeTransport) Close(code uint16, reason string) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()

	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) deliver(data []byte) {
	f.inbound <- data
}

func (f *fakeTransport) opcodes() []Opcode {
	f.mu.Lock()
	defer f.mu.Unlock()

	ops := make([]Opcode, 0, len(f.written))
	for _, data := range f.written {
		op, _ := splitFrame(data)
		ops = append(ops, op)
	}
	return ops
}

func (f *fakeTransport) frame(op Opcode) (cbor.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, data := range f.written {
		if got, raw := splitFrame(data); got == op {
			return raw, true
		}
	}
	return nil, false
}

func (f *fakeTransport) waitClosed(t *testing.T) (uint16, string) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason
}

func splitFrame(data []byte) (Opcode, cbor.RawMessage) {
	var env inboundEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return 0, nil
	}
	return env.Op, env.Data
}

func encodeFrame(op Opcode, payload any) []byte {
	data, err := Encode(op, payload)
	if err != nil {
		panic(err)
	}
	return data
}

type fakeDelegate struct {
	conn     *Conn
	onStart  func(ctx context.Context, conn *Conn, payload StartSession) error
	starts   atomic.Int32
	cleanups atomic.Int32
}

func (d *fakeDelegate) OnStartSession(ctx context.Context, payload StartSession) error {
	d.starts.Add(1)
	if d.onStart == nil {
		return d.conn.Ready(ReadySession{UserID: "1", DisplayName: "Ada"})
	}
	return d.onStart(ctx, d.conn, payload)
}

func (d *fakeDelegate) Cleanup() {
	d.cleanups.Add(1)
}

func startConn(t *testing.T, tr *fakeTransport, opts Options, delegate *fakeDelegate) *Conn {
	t.Helper()

	opts.Logger = zerolog.Nop()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Minute
	}
	conn := NewConn(tr, opts)
	delegate.conn = conn

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		conn.Run(delegate)
	}()
	t.Cleanup(func() {
		conn.End(ServerShutdown)
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
	})
	return conn
}

var validStart = StartSession{Token: "token", APIVersion: 1}

func TestConnSendsHelloFirst(t *testing.T) {
	tr := newFakeTransport()
	startConn(t, tr, Options{SessionID: "sess-1", PingInterval: 45 * time.Second}, &fakeDelegate{})

	require.Eventually(t, func() bool { return len(tr.opcodes()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, OpHello, tr.opcodes()[0])

	raw, ok := tr.frame(OpHello)
	require.True(t, ok)
	var hello Hello
	require.NoError(t, cbor.Unmarshal(raw, &hello))
	assert.Equal(t, Hello{SessionID: "sess-1", PingInterval: 45000}, hello)
}

func TestConnStartSessionBecomesReady(t *testing.T) {
	tr := newFakeTransport()
	conn := startConn(t, tr, Options{}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpStartSession, validStart))

	require.Eventually(t, func() bool { return conn.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := tr.frame(OpReadySession)
		return ok
	}, time.Second, 5*time.Millisecond)

	raw, _ := tr.frame(OpReadySession)
	var ready ReadySession
	require.NoError(t, cbor.Unmarshal(raw, &ready))
	assert.Equal(t, "1", ready.UserID)
	assert.Equal(t, "Ada", ready.DisplayName)
}

func TestConnReplayGuardWhileAuthenticating(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	delegate := &fakeDelegate{onStart: func(ctx context.Context, _ *Conn, _ StartSession) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}}
	conn := startConn(t, tr, Options{}, delegate)
	defer close(release)

	tr.deliver(encodeFrame(OpStartSession, validStart))
	require.Eventually(t, func() bool { return conn.State() == StateAuthenticating }, time.Second, 5*time.Millisecond)

	tr.deliver(encodeFrame(OpStartSession, validStart))

	code, reason := tr.waitClosed(t)
	assert.Equal(t, DisallowedOperation.Code, code)
	assert.Equal(t, DisallowedOperation.Message, reason)
	assert.Equal(t, int32(1), delegate.starts.Load())
}

func TestConnReplayGuardAfterReady(t *testing.T) {
	tr := newFakeTransport()
	conn := startConn(t, tr, Options{}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpStartSession, validStart))
	require.Eventually(t, func() bool { return conn.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	tr.deliver(encodeFrame(OpStartSession, validStart))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, DisallowedOperation.Code, code)
}

func TestConnUnknownOpcodeHasNoSideEffects(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{}
	conn := startConn(t, tr, Options{}, delegate)

	tr.deliver(encodeFrame(Opcode(99), map[string]any{"token": "t"}))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, InvalidPayload.Code, code)
	assert.Zero(t, delegate.starts.Load())
	<-conn.Done()
	assert.Equal(t, InvalidPayload, conn.CloseReason())
}

func TestConnInvalidStartSessionPayload(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{}
	startConn(t, tr, Options{}, delegate)

	tr.deliver(encodeFrame(OpStartSession, map[string]any{"token": "", "apiVersion": 1}))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, InvalidPayload.Code, code)
	assert.Zero(t, delegate.starts.Load())
}

func TestConnAuthenticationFailureUsesDelegateReason(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{onStart: func(context.Context, *Conn, StartSession) error {
		return Fail(AuthenticationError, errors.New("token expired"))
	}}
	conn := startConn(t, tr, Options{}, delegate)

	tr.deliver(encodeFrame(OpStartSession, validStart))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, AuthenticationError.Code, code)
	<-conn.Done()
	assert.Equal(t, StateDead, conn.State())
}

func TestConnPlainDelegateErrorIsServerError(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{onStart: func(context.Context, *Conn, StartSession) error {
		return errors.New("database unavailable")
	}}
	startConn(t, tr, Options{}, delegate)

	tr.deliver(encodeFrame(OpStartSession, validStart))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, ServerError.Code, code)
}

func TestConnAuthenticationTimeout(t *testing.T) {
	tr := newFakeTransport()
	var sawCancel atomic.Bool
	delegate := &fakeDelegate{onStart: func(ctx context.Context, _ *Conn, _ StartSession) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}}
	startConn(t, tr, Options{AuthTimeout: 30 * time.Millisecond}, delegate)

	tr.deliver(encodeFrame(OpStartSession, validStart))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, AuthenticationTimeout.Code, code)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestConnHeartbeatTimeout(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{}
	conn := startConn(t, tr, Options{PingInterval: 20 * time.Millisecond}, delegate)

	code, reason := tr.waitClosed(t)
	assert.Equal(t, PingTimeout.Code, code)
	assert.Equal(t, PingTimeout.Message, reason)

	<-conn.Done()
	ops := tr.opcodes()
	require.GreaterOrEqual(t, len(ops), 3)
	assert.Equal(t, OpHello, ops[0])
	assert.Contains(t, ops, OpPing)
	assert.Equal(t, OpDeadSession, ops[len(ops)-1])

	deadFrames := 0
	for _, op := range ops {
		if op == OpDeadSession {
			deadFrames++
		}
	}
	assert.Equal(t, 1, deadFrames)
	assert.Equal(t, int32(1), delegate.cleanups.Load())
}

func TestConnMatchingPongsKeepConnectionAlive(t *testing.T) {
	tr := newFakeTransport()
	tr.autoPong = true
	conn := startConn(t, tr, Options{PingInterval: 15 * time.Millisecond}, &fakeDelegate{})

	time.Sleep(150 * time.Millisecond)

	assert.NotEqual(t, StateDead, conn.State())
	pings := 0
	for _, op := range tr.opcodes() {
		if op == OpPing {
			pings++
		}
	}
	assert.GreaterOrEqual(t, pings, 3)
}

func TestConnMismatchedPongIsPingTimeout(t *testing.T) {
	tr := newFakeTransport()
	conn := startConn(t, tr, Options{PingInterval: 20 * time.Millisecond}, &fakeDelegate{})

	require.Eventually(t, func() bool {
		_, ok := tr.frame(OpPing)
		return ok
	}, time.Second, 2*time.Millisecond)

	tr.deliver(encodeFrame(OpPong, int64(12345)))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, PingTimeout.Code, code)
	<-conn.Done()
}

func TestConnPongWithoutOutstandingPing(t *testing.T) {
	tr := newFakeTransport()
	startConn(t, tr, Options{}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpPong, int64(1)))

	code, _ := tr.waitClosed(t)
	assert.Equal(t, PingTimeout.Code, code)
}

func TestConnEchoesPeerPing(t *testing.T) {
	tr := newFakeTransport()
	startConn(t, tr, Options{}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpPing, int64(777)))

	require.Eventually(t, func() bool {
		_, ok := tr.frame(OpPong)
		return ok
	}, time.Second, 5*time.Millisecond)

	raw, _ := tr.frame(OpPong)
	var nonce int64
	require.NoError(t, cbor.Unmarshal(raw, &nonce))
	assert.Equal(t, int64(777), nonce)
}

func TestConnEndIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{}
	conn := startConn(t, tr, Options{}, delegate)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.End(ServerError)
		}()
	}
	wg.Wait()
	<-conn.Done()

	tr.mu.Lock()
	closes := tr.closes
	tr.mu.Unlock()

	assert.Equal(t, 1, closes)
	assert.Equal(t, int32(1), delegate.cleanups.Load())
	assert.Equal(t, ServerError, conn.CloseReason())
}

func TestConnPeerDisconnectSkipsDeadSession(t *testing.T) {
	tr := newFakeTransport()
	delegate := &fakeDelegate{}
	conn := startConn(t, tr, Options{}, delegate)

	require.Eventually(t, func() bool { return len(tr.opcodes()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close(1001, "going away"))

	<-conn.Done()
	assert.NotContains(t, tr.opcodes(), OpDeadSession)
	assert.Equal(t, int32(1), delegate.cleanups.Load())
}

func TestConnSendRequiresAuthentication(t *testing.T) {
	tr := newFakeTransport()
	conn := startConn(t, tr, Options{}, &fakeDelegate{})

	assert.ErrorIs(t, conn.Send(OpMessageCreate, map[string]any{"id": "1"}), ErrNotAuthenticated)

	conn.End(ServerShutdown)
	<-conn.Done()
	assert.ErrorIs(t, conn.Send(OpMessageCreate, map[string]any{"id": "1"}), ErrClosed)
}

func TestConnFramesKeepQueueOrder(t *testing.T) {
	tr := newFakeTransport()
	conn := startConn(t, tr, Options{}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpStartSession, validStart))
	require.Eventually(t, func() bool { return conn.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Send(OpMessageCreate, map[string]any{"seq": i}))
	}
	conn.End(ServerShutdown)
	<-conn.Done()

	tr.mu.Lock()
	written := append([][]byte(nil), tr.written...)
	tr.mu.Unlock()

	var seqs []int
	for _, data := range written {
		op, raw := splitFrame(data)
		if op != OpMessageCreate {
			continue
		}
		var payload struct {
			Seq int `cbor:"seq"`
		}
		require.NoError(t, cbor.Unmarshal(raw, &payload))
		seqs = append(seqs, payload.Seq)
	}
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}

	ops := tr.opcodes()
	assert.Equal(t, OpDeadSession, ops[len(ops)-1])
}

func TestConnSlowConsumerIsDropped(t *testing.T) {
	tr := newFakeTransport()
	tr.writeGate = make(chan struct{})
	conn := startConn(t, tr, Options{SendQueueSize: 2}, &fakeDelegate{})

	tr.deliver(encodeFrame(OpStartSession, validStart))
	require.Eventually(t, func() bool { return conn.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = conn.Send(OpMessageCreate, map[string]any{"seq": i})
	}
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateDead, conn.State())

	close(tr.writeGate)
	code, _ := tr.waitClosed(t)
	assert.Equal(t, ServerError.Code, code)
}
