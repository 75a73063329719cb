package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UnregisteredID is the sender ID carried by envelopes a client sends before
// it knows its own identity.
const UnregisteredID int64 = -1

// MessageType tags the payload carried by an Envelope.
type MessageType uint8

const (
	TypeRegister MessageType = iota + 1 // payload is the declared username
	TypeChat                            // payload is chat text
	TypeLogout                          // payload is empty
)

func (t MessageType) String() string {
	switch t {
	case TypeRegister:
		return "REGISTER"
	case TypeChat:
		return "CHAT"
	case TypeLogout:
		return "LOGOUT"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	return t >= TypeRegister && t <= TypeLogout
}

// ParseMessageType converts a type name back to a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REGISTER":
		return TypeRegister, nil
	case "CHAT":
		return TypeChat, nil
	case "LOGOUT":
		return TypeLogout, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// MarshalText encodes the type by name so frames stay readable on the wire.
func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (t *MessageType) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Envelope is the unit exchanged between clients and the relay.
// Envelopes are values; code that needs a different sender builds a copy.
type Envelope struct {
	SenderID int64       `json:"sender_id"`
	Type     MessageType `json:"type"`
	Payload  string      `json:"payload"`
	Sender   string      `json:"sender,omitempty"` // stamped by the server, never trusted from clients
}

// Register builds the handshake envelope.
func Register(username string) Envelope {
	return Envelope{SenderID: UnregisteredID, Type: TypeRegister, Payload: username}
}

// Chat builds a chat envelope.
func Chat(senderID int64, text string) Envelope {
	return Envelope{SenderID: senderID, Type: TypeChat, Payload: text}
}

// Logout builds a logout envelope.
func Logout(senderID int64) Envelope {
	return Envelope{SenderID: senderID, Type: TypeLogout}
}

// From returns a copy of e attributed to the given session.
func (e Envelope) From(id int64, username string) Envelope {
	e.SenderID = id
	e.Sender = username
	return e
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s(sender=%d %q)", e.Type, e.SenderID, e.Payload)
}

func marshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if !e.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownType, uint8(e.Type))
	}
	return e, nil
}
