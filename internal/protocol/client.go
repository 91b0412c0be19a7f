package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientFrame is a message sent from a client to the coordinator.
type ClientFrame interface {
	clientFrame()
}

// HelloPayload carries the handshake fields.
type HelloPayload struct {
	Version    int    `json:"version"`
	ClientName string `json:"clientName"`
}

// Hello opens the session. It must be the first frame on a connection.
type Hello struct {
	Type    string       `json:"type"`
	Payload HelloPayload `json:"payload"`
}

// Ping is the client heartbeat. Answered with Pong.
type Ping struct {
	Type string `json:"type"`
}

// Leave asks the coordinator to close the connection cleanly.
type Leave struct {
	Type string `json:"type"`
}

// RelayBroadcast asks the coordinator to fan an opaque payload out to the
// sessions in TargetIDs, or to every other session when TargetIDs is empty.
type RelayBroadcast struct {
	Type      string        `json:"type"`
	TargetIDs []ClientID    `json:"targetIds,omitempty"`
	Payload   EncryptedBlob `json:"payload"`
}

// RelaySend asks the coordinator to forward an opaque payload to exactly
// one session.
type RelaySend struct {
	Type     string        `json:"type"`
	TargetID ClientID      `json:"targetId"`
	Payload  EncryptedBlob `json:"payload"`
}

func (Hello) clientFrame()          {}
func (Ping) clientFrame()           {}
func (Leave) clientFrame()          {}
func (RelayBroadcast) clientFrame() {}
func (RelaySend) clientFrame()      {}

// NewHello builds a HELLO frame with the current protocol version.
func NewHello(clientName string) Hello {
	return Hello{Type: TypeHello, Payload: HelloPayload{Version: ProtocolVersion, ClientName: clientName}}
}

// NewPing builds a PING frame.
func NewPing() Ping { return Ping{Type: TypePing} }

// NewLeave builds a LEAVE frame.
func NewLeave() Leave { return Leave{Type: TypeLeave} }

// NewRelayBroadcast builds a RELAY_BROADCAST frame.
func NewRelayBroadcast(targetIDs []ClientID, payload EncryptedBlob) RelayBroadcast {
	return RelayBroadcast{Type: TypeRelayBroadcast, TargetIDs: targetIDs, Payload: payload}
}

// NewRelaySend builds a RELAY_SEND frame.
func NewRelaySend(targetID ClientID, payload EncryptedBlob) RelaySend {
	return RelaySend{Type: TypeRelaySend, TargetID: targetID, Payload: payload}
}

// EncodeClientFrame marshals a client frame to its wire form.
func EncodeClientFrame(frame ClientFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodeClientFrame parses a client-to-server frame, failing closed on
// unknown types and malformed shapes.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	frameType, err := sniffType(data)
	if err != nil {
		return nil, err
	}

	switch frameType {
	case TypeHello:
		var frame Hello
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		name, err := ValidateClientName(frame.Payload.ClientName)
		if err != nil {
			return nil, err
		}
		frame.Payload.ClientName = name
		return frame, nil

	case TypePing:
		return NewPing(), nil

	case TypeLeave:
		return NewLeave(), nil

	case TypeRelayBroadcast:
		var frame RelayBroadcast
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Payload.Ciphertext == "" {
			return nil, fmt.Errorf("%w: relay broadcast without payload", ErrInvalidFrame)
		}
		return frame, nil

	case TypeRelaySend:
		var frame RelaySend
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.TargetID == "" {
			return nil, fmt.Errorf("%w: relay send without target", ErrInvalidFrame)
		}
		if frame.Payload.Ciphertext == "" {
			return nil, fmt.Errorf("%w: relay send without payload", ErrInvalidFrame)
		}
		return frame, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frameType)
	}
}
