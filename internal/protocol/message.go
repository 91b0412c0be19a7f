package protocol

import (
	"encoding/json"
	"fmt"
)

// Application message discriminators. These travel inside
// EncryptedBlob.Ciphertext, so they are end-to-end private: the coordinator
// never sees them, and peer signaling is protected by the room secret.
const (
	TypeClipboardUpdate  = "CLIPBOARD_UPDATE"
	TypePeerOffer        = "PEER_OFFER"
	TypePeerAnswer       = "PEER_ANSWER"
	TypePeerIceCandidate = "PEER_ICE"
)

// Message is an application-level payload exchanged between clients over
// either transport.
type Message interface {
	message()
}

// ClipboardUpdate carries one clipboard edit. ID is a fresh UUID per edit
// and exists only for deduplication.
type ClipboardUpdate struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// PeerOffer carries an SDP offer for direct peer negotiation.
type PeerOffer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
}

// PeerAnswer carries an SDP answer for direct peer negotiation.
type PeerAnswer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
}

// ICECandidate mirrors the fields of an RTC ICE candidate init. A nil
// candidate in PeerIceCandidate signals end of candidates.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerIceCandidate carries one trickled ICE candidate.
type PeerIceCandidate struct {
	Type      string        `json:"type"`
	Candidate *ICECandidate `json:"candidate"`
}

func (ClipboardUpdate) message()  {}
func (PeerOffer) message()        {}
func (PeerAnswer) message()       {}
func (PeerIceCandidate) message() {}

// NewClipboardUpdate builds a clipboard update message.
func NewClipboardUpdate(id string, timestamp int64, content string) ClipboardUpdate {
	return ClipboardUpdate{Type: TypeClipboardUpdate, ID: id, Timestamp: timestamp, Content: content}
}

// NewPeerOffer builds a peer offer message.
func NewPeerOffer(sdp string) PeerOffer { return PeerOffer{Type: TypePeerOffer, SDP: sdp} }

// NewPeerAnswer builds a peer answer message.
func NewPeerAnswer(sdp string) PeerAnswer { return PeerAnswer{Type: TypePeerAnswer, SDP: sdp} }

// NewPeerIceCandidate builds a peer ICE candidate message.
func NewPeerIceCandidate(candidate *ICECandidate) PeerIceCandidate {
	return PeerIceCandidate{Type: TypePeerIceCandidate, Candidate: candidate}
}

// EncodeMessage marshals an application message.
func EncodeMessage(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeMessage parses an application message, failing closed on unknown
// types and malformed shapes.
func DecodeMessage(data []byte) (Message, error) {
	messageType, err := sniffType(data)
	if err != nil {
		return nil, err
	}

	switch messageType {
	case TypeClipboardUpdate:
		var message ClipboardUpdate
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if message.ID == "" {
			return nil, fmt.Errorf("%w: clipboard update without id", ErrInvalidFrame)
		}
		return message, nil

	case TypePeerOffer:
		var message PeerOffer
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return message, nil

	case TypePeerAnswer:
		var message PeerAnswer
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return message, nil

	case TypePeerIceCandidate:
		var message PeerIceCandidate
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return message, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, messageType)
	}
}
