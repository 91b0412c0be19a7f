// Package relay sends and receives application messages through the
// coordinator. Payloads are encrypted before they leave the process and
// decrypted on arrival, so the relay path is as private as the direct one.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mossy-p/clipboard-sync/internal/crypto"
	"github.com/mossy-p/clipboard-sync/internal/protocol"
	"github.com/mossy-p/clipboard-sync/internal/signaling"
)

// Signaler is the slice of the signaling client the relay rides on.
type Signaler interface {
	Subscribe(fn func(signaling.Event)) func()
	Send(frame protocol.ClientFrame) error
}

// Transport is the relay-backed message transport.
type Transport struct {
	signaling Signaler
	cipher    crypto.Cipher
	logger    *slog.Logger

	subMu   sync.Mutex
	subs    map[int]func(senderID protocol.ClientID, message protocol.Message)
	nextSub int
}

// NewTransport wires a relay transport onto an existing signaling client.
func NewTransport(signalingClient Signaler, cipher crypto.Cipher, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &Transport{
		signaling: signalingClient,
		cipher:    cipher,
		logger:    logger,
		subs:      make(map[int]func(protocol.ClientID, protocol.Message)),
	}
	signalingClient.Subscribe(transport.handleSignalingEvent)
	return transport
}

// Subscribe registers a decrypted-message callback and returns its removal
// function.
func (t *Transport) Subscribe(fn func(senderID protocol.ClientID, message protocol.Message)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

// Broadcast encrypts message and relays it to the given targets. An empty
// target set means every other room member.
func (t *Transport) Broadcast(targetIDs []protocol.ClientID, message protocol.Message) error {
	payload, err := t.seal(message)
	if err != nil {
		return err
	}
	return t.signaling.Send(protocol.NewRelayBroadcast(targetIDs, payload))
}

// SendTo encrypts message and relays it to exactly one room member.
func (t *Transport) SendTo(targetID protocol.ClientID, message protocol.Message) error {
	payload, err := t.seal(message)
	if err != nil {
		return err
	}
	return t.signaling.Send(protocol.NewRelaySend(targetID, payload))
}

func (t *Transport) seal(message protocol.Message) (protocol.EncryptedBlob, error) {
	plaintext, err := protocol.EncodeMessage(message)
	if err != nil {
		return protocol.EncryptedBlob{}, fmt.Errorf("encoding message: %w", err)
	}
	blob, err := t.cipher.Encrypt(plaintext)
	if err != nil {
		return protocol.EncryptedBlob{}, fmt.Errorf("encrypting message: %w", err)
	}
	return blob, nil
}

func (t *Transport) handleSignalingEvent(event signaling.Event) {
	if event.Kind != signaling.EventRelay {
		return
	}

	plaintext, err := t.cipher.Decrypt(event.Payload)
	if err != nil {
		// A foreign-secret or corrupted sender must not disturb the rest
		// of the room.
		if errors.Is(err, crypto.ErrDecryption) {
			t.logger.Warn("dropping undecryptable relay payload", "senderId", event.SenderID)
		} else {
			t.logger.Error("relay decrypt error", "senderId", event.SenderID, "error", err)
		}
		return
	}

	message, err := protocol.DecodeMessage(plaintext)
	if err != nil {
		t.logger.Warn("dropping invalid relay message", "senderId", event.SenderID, "error", err)
		return
	}

	t.subMu.Lock()
	callbacks := make([]func(protocol.ClientID, protocol.Message), 0, len(t.subs))
	for _, fn := range t.subs {
		callbacks = append(callbacks, fn)
	}
	t.subMu.Unlock()

	for _, fn := range callbacks {
		fn(event.SenderID, message)
	}
}
