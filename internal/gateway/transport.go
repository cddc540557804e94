package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrFrameTooLarge = errors.New("websocket message exceeds max frame size")
	ErrBadFragment   = errors.New("unexpected websocket continuation frame")
)

// wsTransport adapts an upgraded connection to protocol.Transport. Reads
// happen on one goroutine; writes, control replies and Close share writeMu.
type wsTransport struct {
	conn         net.Conn
	src          io.Reader
	maxFrameSize int64
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn net.Conn, src io.Reader, maxFrameSize int64, writeTimeout time.Duration) *wsTransport {
	if src == nil {
		src = conn
	}
	return &wsTransport{
		conn:         conn,
		src:          src,
		maxFrameSize: maxFrameSize,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage returns the next data message, reassembling fragments and
// answering pings along the way. A close frame from the peer is io.EOF.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	var message []byte
	inMessage := false

	for {
		head, err := ws.ReadHeader(t.src)
		if err != nil {
			return nil, err
		}
		if t.maxFrameSize > 0 && int64(len(message))+head.Length > t.maxFrameSize {
			return nil, ErrFrameTooLarge
		}

		payload := make([]byte, head.Length)
		if _, err := io.ReadFull(t.src, payload); err != nil {
			return nil, err
		}
		if head.Masked {
			ws.Cipher(payload, head.Mask, 0)
		}

		switch head.OpCode {
		case ws.OpPing:
			if err := t.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return nil, err
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpClose:
			_ = t.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return nil, io.EOF
		case ws.OpText, ws.OpBinary:
			if inMessage {
				return nil, ErrBadFragment
			}
			message = payload
			inMessage = true
		case ws.OpContinuation:
			if !inMessage {
				return nil, ErrBadFragment
			}
			message = append(message, payload...)
		default:
			continue
		}

		if head.Fin {
			return message, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return wsutil.WriteServerMessage(t.conn, ws.OpBinary, data)
}

func (t *wsTransport) writeFrame(frame ws.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return ws.WriteFrame(t.conn, frame)
}

// Close sends a close frame carrying code and reason, then closes the
// socket. Only the first call has any effect.
func (t *wsTransport) Close(code uint16, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = t.writeFrame(ws.NewCloseFrame(body))
		err = t.conn.Close()
	})
	return err
}
