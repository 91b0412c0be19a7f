package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerFrame is a message sent from the coordinator to a client.
type ServerFrame interface {
	serverFrame()
}

// WelcomePayload carries the handshake result.
type WelcomePayload struct {
	ClientID ClientID     `json:"clientId"`
	Clients  []ClientInfo `json:"clients"`
}

// Welcome acknowledges a HELLO: the assigned id plus the current roster,
// excluding the new client itself.
type Welcome struct {
	Type    string         `json:"type"`
	Payload WelcomePayload `json:"payload"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// ClientJoined announces a new room member to everyone else.
type ClientJoined struct {
	Type    string     `json:"type"`
	Payload ClientInfo `json:"payload"`
}

// ClientLeft announces a departed room member to everyone else.
type ClientLeft struct {
	Type    string     `json:"type"`
	Payload ClientInfo `json:"payload"`
}

// RelayedBroadcast delivers a fanned-out opaque payload, tagged with the
// sender's id.
type RelayedBroadcast struct {
	Type     string        `json:"type"`
	SenderID ClientID      `json:"senderId"`
	Payload  EncryptedBlob `json:"payload"`
}

// RelayedSend delivers a targeted opaque payload, tagged with the sender's id.
type RelayedSend struct {
	Type     string        `json:"type"`
	SenderID ClientID      `json:"senderId"`
	Payload  EncryptedBlob `json:"payload"`
}

// ErrorPayload carries a human-readable error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ServerError reports a per-frame protocol violation to the offending
// sender. The connection stays open.
type ServerError struct {
	Type    string       `json:"type"`
	Payload ErrorPayload `json:"payload"`
}

func (Welcome) serverFrame()          {}
func (Pong) serverFrame()             {}
func (ClientJoined) serverFrame()     {}
func (ClientLeft) serverFrame()       {}
func (RelayedBroadcast) serverFrame() {}
func (RelayedSend) serverFrame()      {}
func (ServerError) serverFrame()      {}

// NewWelcome builds a WELCOME frame.
func NewWelcome(clientID ClientID, clients []ClientInfo) Welcome {
	if clients == nil {
		clients = []ClientInfo{}
	}
	return Welcome{Type: TypeWelcome, Payload: WelcomePayload{ClientID: clientID, Clients: clients}}
}

// NewPong builds a PONG frame.
func NewPong() Pong { return Pong{Type: TypePong} }

// NewClientJoined builds a CLIENT_JOINED frame.
func NewClientJoined(info ClientInfo) ClientJoined {
	return ClientJoined{Type: TypeClientJoined, Payload: info}
}

// NewClientLeft builds a CLIENT_LEFT frame.
func NewClientLeft(info ClientInfo) ClientLeft {
	return ClientLeft{Type: TypeClientLeft, Payload: info}
}

// NewRelayedBroadcast builds a server-side RELAY_BROADCAST frame.
func NewRelayedBroadcast(senderID ClientID, payload EncryptedBlob) RelayedBroadcast {
	return RelayedBroadcast{Type: TypeRelayBroadcast, SenderID: senderID, Payload: payload}
}

// NewRelayedSend builds a server-side RELAY_SEND frame.
func NewRelayedSend(senderID ClientID, payload EncryptedBlob) RelayedSend {
	return RelayedSend{Type: TypeRelaySend, SenderID: senderID, Payload: payload}
}

// NewServerError builds an ERROR frame.
func NewServerError(message string) ServerError {
	return ServerError{Type: TypeError, Payload: ErrorPayload{Message: message}}
}

// EncodeServerFrame marshals a server frame to its wire form.
func EncodeServerFrame(frame ServerFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodeServerFrame parses a server-to-client frame, failing closed on
// unknown types and malformed shapes.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	frameType, err := sniffType(data)
	if err != nil {
		return nil, err
	}

	switch frameType {
	case TypeWelcome:
		var frame Welcome
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Payload.ClientID == "" {
			return nil, fmt.Errorf("%w: welcome without client id", ErrInvalidFrame)
		}
		return frame, nil

	case TypePong:
		return NewPong(), nil

	case TypeClientJoined:
		var frame ClientJoined
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Payload.ID == "" {
			return nil, fmt.Errorf("%w: client joined without id", ErrInvalidFrame)
		}
		return frame, nil

	case TypeClientLeft:
		var frame ClientLeft
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.Payload.ID == "" {
			return nil, fmt.Errorf("%w: client left without id", ErrInvalidFrame)
		}
		return frame, nil

	case TypeRelayBroadcast:
		var frame RelayedBroadcast
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.SenderID == "" {
			return nil, fmt.Errorf("%w: relayed broadcast without sender", ErrInvalidFrame)
		}
		return frame, nil

	case TypeRelaySend:
		var frame RelayedSend
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if frame.SenderID == "" {
			return nil, fmt.Errorf("%w: relayed send without sender", ErrInvalidFrame)
		}
		return frame, nil

	case TypeError:
		var frame ServerError
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return frame, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frameType)
	}
}
