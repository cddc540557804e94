package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is a decoded client envelope. The concrete type is fixed by the opcode.
type Frame interface {
	Opcode() Opcode
}

// StartSession authenticates the connection.
type StartSession struct {
	Token      string `cbor:"token"`
	APIVersion int    `cbor:"apiVersion"`
	AppVersion string `cbor:"appVersion,omitempty"`
	Platform   string `cbor:"platform,omitempty"`
}

func (StartSession) Opcode() Opcode { return OpStartSession }

// Ping carries a nonce the receiver must echo in a Pong.
type Ping struct {
	Nonce int64
}

func (Ping) Opcode() Opcode { return OpPing }

type Pong struct {
	Nonce int64
}

func (Pong) Opcode() Opcode { return OpPong }

// Hello is the first frame on every connection.
type Hello struct {
	SessionID    string `cbor:"sessionId"`
	PingInterval int64  `cbor:"pingInterval"` // milliseconds
}

// ReadySession confirms authentication.
type ReadySession struct {
	UserID      string      `cbor:"userId"`
	DisplayName string      `cbor:"displayName"`
	Scope       []ScopeItem `cbor:"scope"`
}

// ScopeItem describes one channel-backed entity the session receives events for.
type ScopeItem struct {
	ID      string   `cbor:"id"`
	Kind    string   `cbor:"kind"`
	Name    string   `cbor:"name,omitempty"`
	Members []string `cbor:"members,omitempty"`
}

// ScopeLeave tells the client it no longer receives events for a scope item.
type ScopeLeave struct {
	ID string `cbor:"id"`
}

// Notice is a server-wide announcement, such as an upcoming restart.
type Notice struct {
	Level   string `cbor:"level"`
	Message string `cbor:"message"`
}

// DeadSession is the terminal frame. It encodes as an empty map.
type DeadSession struct{}

type inboundEnvelope struct {
	_    struct{} `cbor:",toarray"`
	Op   Opcode
	Data cbor.RawMessage
}

type outboundEnvelope struct {
	_    struct{} `cbor:",toarray"`
	Op   Opcode
	Data any
}

var (
	decMode cbor.DecMode
	encMode cbor.EncMode
)

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decode mode: %v", err))
	}

	encMode, err = cbor.EncOptions{
		Sort: cbor.SortBytewiseLexical,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encode mode: %v", err))
	}
}

// DecodeClientFrame decodes an envelope sent by a client. Anything that is
// not a two-element array, carries an opcode clients may not send, or whose
// data does not match the opcode's shape is rejected.
func DecodeClientFrame(data []byte) (Frame, error) {
	var env inboundEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidPayload, err)
	}

	switch env.Op {
	case OpStartSession:
		var f StartSession
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.Token == "" {
			return nil, fmt.Errorf("%w: start_session: empty token", ErrInvalidPayload)
		}
		if f.APIVersion <= 0 {
			return nil, fmt.Errorf("%w: start_session: apiVersion must be positive", ErrInvalidPayload)
		}
		return f, nil

	case OpPing:
		var nonce int64
		if err := decodeData(env.Data, &nonce); err != nil {
			return nil, err
		}
		return Ping{Nonce: nonce}, nil

	case OpPong:
		var nonce int64
		if err := decodeData(env.Data, &nonce); err != nil {
			return nil, err
		}
		return Pong{Nonce: nonce}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, env.Op)
	}
}

func decodeData(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Encode builds the binary envelope for op and payload.
func Encode(op Opcode, payload any) ([]byte, error) {
	if payload == nil {
		payload = DeadSession{}
	}
	data, err := encMode.Marshal(outboundEnvelope{Op: op, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return data, nil
}
