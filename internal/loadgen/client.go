// Package loadgen drives many protocol clients against a running gateway to
// measure connection capacity and event delivery.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/ws_gateway/internal/protocol"
)

var (
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrSessionRejected = errors.New("session rejected by server")
)

// Client is a minimal protocol client: it authenticates, answers pings and
// reports every other frame it receives.
type Client struct {
	conn   net.Conn
	reader io.Reader
	hello  protocol.Hello
}

// Dial opens a connection and reads the Hello frame.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{conn: conn, reader: conn}
	if br != nil {
		c.reader = br
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	op, data, err := c.read()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if op != protocol.OpHello {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s before hello", ErrUnexpectedFrame, op)
	}
	if err := cbor.Unmarshal(data, &c.hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	return c, nil
}

func (c *Client) Hello() protocol.Hello {
	return c.hello
}

// Authenticate sends StartSession and waits for ReadySession. A DeadSession
// reply yields ErrSessionRejected.
func (c *Client) Authenticate(ctx context.Context, token string, apiVersion int) (protocol.ReadySession, error) {
	var ready protocol.ReadySession

	if err := c.Send(protocol.OpStartSession, protocol.StartSession{
		Token:      token,
		APIVersion: apiVersion,
		Platform:   "loadgen",
	}); err != nil {
		return ready, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	for {
		op, data, err := c.read()
		if err != nil {
			return ready, err
		}
		switch op {
		case protocol.OpPing:
			if err := c.pong(data); err != nil {
				return ready, err
			}
		case protocol.OpReadySession:
			return ready, cbor.Unmarshal(data, &ready)
		case protocol.OpDeadSession:
			return ready, ErrSessionRejected
		default:
			return ready, fmt.Errorf("%w: %s while authenticating", ErrUnexpectedFrame, op)
		}
	}
}

// Run reads frames until the connection ends or ctx is done, answering pings
// and passing everything else to onFrame. It returns the close code the
// server sent, or zero when the client hung up first.
func (c *Client) Run(ctx context.Context, onFrame func(op protocol.Opcode, data cbor.RawMessage)) (ws.StatusCode, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		op, data, err := c.read()
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return closed.Code, nil
			}
			if ctx.Err() != nil {
				return 0, nil
			}
			return 0, err
		}

		if op == protocol.OpPing {
			if err := c.pong(data); err != nil {
				return 0, err
			}
			continue
		}
		if onFrame != nil {
			onFrame(op, data)
		}
	}
}

func (c *Client) Send(op protocol.Opcode, payload any) error {
	data, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpBinary, data)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) pong(data cbor.RawMessage) error {
	var nonce int64
	if err := cbor.Unmarshal(data, &nonce); err != nil {
		return err
	}
	return c.Send(protocol.OpPong, nonce)
}

func (c *Client) read() (protocol.Opcode, cbor.RawMessage, error) {
	data, _, err := wsutil.ReadServerData(struct {
		io.Reader
		io.Writer
	}{c.reader, closeTolerantWriter{c.conn}})
	if err != nil {
		return 0, nil, err
	}

	var envelope []cbor.RawMessage
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return 0, nil, err
	}
	if len(envelope) != 2 {
		return 0, nil, fmt.Errorf("%w: envelope of %d elements", ErrUnexpectedFrame, len(envelope))
	}

	var op protocol.Opcode
	if err := cbor.Unmarshal(envelope[0], &op); err != nil {
		return 0, nil, err
	}
	return op, envelope[1], nil
}

// closeTolerantWriter lets the close handshake reply fail silently when the
// server has already dropped the socket.
type closeTolerantWriter struct {
	w io.Writer
}

func (w closeTolerantWriter) Write(p []byte) (int, error) {
	_, _ = w.w.Write(p)
	return len(p), nil
}
