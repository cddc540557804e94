// Package protocol implements the gateway wire protocol: CBOR envelopes of
// the form [opcode, data], the per-connection state machine and heartbeat.
package protocol

import (
	"fmt"
	"strconv"
)

// Opcode identifies the payload shape of an envelope.
type Opcode uint8

const (
	OpHello        Opcode = 1 // gateway -> client
	OpStartSession Opcode = 2 // client -> gateway
	OpReadySession Opcode = 3 // gateway -> client
	OpPing         Opcode = 4 // either direction
	OpPong         Opcode = 5 // either direction
	OpDeadSession  Opcode = 6 // gateway -> client, last frame before close

	// Forwarded events, gateway -> client
	OpMessageCreate  Opcode = 10
	OpMessageUpdate  Opcode = 11
	OpMessageDelete  Opcode = 12
	OpScopeSync      Opcode = 13
	OpScopeLeave     Opcode = 14
	OpIdentityUpdate Opcode = 15
	OpTyping         Opcode = 16
	OpNotice         Opcode = 17
)

var opcodeNames = map[Opcode]string{
	OpHello:          "hello",
	OpStartSession:   "start_session",
	OpReadySession:   "ready_session",
	OpPing:           "ping",
	OpPong:           "pong",
	OpDeadSession:    "dead_session",
	OpMessageCreate:  "message_create",
	OpMessageUpdate:  "message_update",
	OpMessageDelete:  "message_delete",
	OpScopeSync:      "scope_sync",
	OpScopeLeave:     "scope_leave",
	OpIdentityUpdate: "identity_update",
	OpTyping:         "typing",
	OpNotice:         "notice",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "op_" + strconv.Itoa(int(o))
}

// CloseReason is an application close code (outside the RFC 6455 range)
// paired with its message.
type CloseReason struct {
	Code    uint16
	Message string
}

func (r CloseReason) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

var (
	ServerError           = CloseReason{Code: 4000, Message: "Server error"}
	InvalidPayload        = CloseReason{Code: 4001, Message: "Invalid payload"}
	DisallowedOperation   = CloseReason{Code: 4002, Message: "Disallowed operation"}
	AuthenticationError   = CloseReason{Code: 4003, Message: "Authentication error"}
	PingTimeout           = CloseReason{Code: 4004, Message: "Ping timeout"}
	UnsupportedAPIVersion = CloseReason{Code: 4005, Message: "Unsupported API version"}
	AuthenticationTimeout = CloseReason{Code: 4006, Message: "Authentication timeout"}
	ServerShutdown        = CloseReason{Code: 4007, Message: "Server shutting down"}

	// Used when the peer went away; nothing is sent.
	transportClosed = CloseReason{Code: 1000, Message: "Transport closed"}
)

// CloseError carries the reason a delegate wants the connection closed with.
type CloseError struct {
	Reason CloseReason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return e.Reason.Message
	}
	return e.Reason.Message + ": " + e.Err.Error()
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Fail wraps err so the connection ends with reason.
func Fail(reason CloseReason, err error) error {
	return &CloseError{Reason: reason, Err: err}
}
