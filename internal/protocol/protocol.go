// Package protocol defines the JSON wire protocol between clipboard-sync
// clients and the room coordinator, plus the encrypted application message
// union carried inside relay payloads.
//
// Every frame is a discriminated union keyed by a "type" field. Decoding is
// exhaustive and fail-closed: an unrecognized type or a malformed shape
// yields an error and the frame is dropped by the caller, never partially
// interpreted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame type discriminators, client to server.
const (
	TypeHello          = "HELLO"
	TypePing           = "PING"
	TypeLeave          = "LEAVE"
	TypeRelayBroadcast = "RELAY_BROADCAST"
	TypeRelaySend      = "RELAY_SEND"
)

// Frame type discriminators, server to client.
const (
	TypeWelcome      = "WELCOME"
	TypePong         = "PONG"
	TypeClientJoined = "CLIENT_JOINED"
	TypeClientLeft   = "CLIENT_LEFT"
	TypeError        = "ERROR"
)

// ProtocolVersion is sent in HELLO and lets the coordinator reject clients
// it cannot speak to.
const ProtocolVersion = 1

var (
	// ErrUnknownType is returned when a frame's type discriminator is not
	// part of the protocol.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrInvalidFrame is returned when a frame has a known type but a
	// malformed or incomplete shape.
	ErrInvalidFrame = errors.New("protocol: invalid frame")
)

// ClientID is a coordinator-assigned opaque identifier, unique within a
// room for the lifetime of one connection.
type ClientID = string

// ClientInfo describes one room member as seen by other members.
type ClientInfo struct {
	ID   ClientID `json:"id"`
	Name string   `json:"name"`
}

// EncryptedBlob is an opaque end-to-end encrypted payload. The coordinator
// relays it without inspecting it. All fields are base64.
type EncryptedBlob struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
}

// ValidateClientName trims and checks a display name against the 1–64
// character bound shared by client and coordinator.
func ValidateClientName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < 1 || len(trimmed) > 64 {
		return "", fmt.Errorf("%w: client name must be 1-64 characters", ErrInvalidFrame)
	}
	return trimmed, nil
}

// ValidateRoomID trims and checks a room identifier (6–64 characters).
func ValidateRoomID(roomID string) (string, error) {
	trimmed := strings.TrimSpace(roomID)
	if len(trimmed) < 6 || len(trimmed) > 64 {
		return "", fmt.Errorf("%w: room id must be 6-64 characters", ErrInvalidFrame)
	}
	return trimmed, nil
}

// envelope is the common outer shape used to sniff the discriminator before
// the full frame is decoded.
type envelope struct {
	Type string `json:"type"`
}

func sniffType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return env.Type, nil
}
