// Package transport routes application messages to room members, choosing
// the direct peer channel or the relay per destination. P2P is an
// optimization: every peer starts in relay mode and is upgraded when its
// data channel opens, downgraded the moment it is not usable. Frames are
// encrypted the same way on both paths.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mossy-p/clipboard-sync/internal/crypto"
	"github.com/mossy-p/clipboard-sync/internal/peer"
	"github.com/mossy-p/clipboard-sync/internal/protocol"
	"github.com/mossy-p/clipboard-sync/internal/signaling"
)

// Mode is the live delivery path for one peer, derived from connectivity.
type Mode string

const (
	ModeP2P   Mode = "p2p"
	ModeRelay Mode = "relay"
)

// Preference is the user policy gating whether P2P is attempted at all.
type Preference string

const (
	PreferenceAuto  Preference = "auto"
	PreferenceP2P   Preference = "p2p"
	PreferenceRelay Preference = "relay"
)

// EventKind discriminates arbitrator events.
type EventKind int

const (
	// EventMessage delivers one decrypted application message, whichever
	// path it arrived on.
	EventMessage EventKind = iota
	// EventModeChanged reports a per-peer transport mode transition.
	EventModeChanged
)

// Event is one typed arbitrator notification.
type Event struct {
	Kind     EventKind
	SenderID protocol.ClientID // EventMessage
	Message  protocol.Message  // EventMessage
	PeerID   protocol.ClientID // EventModeChanged
	Mode     Mode              // EventModeChanged
}

// Options tunes an Arbitrator. Zero values select the defaults.
type Options struct {
	Preference Preference
	// InitiateJitter is the upper bound of the random delay before the
	// first P2P attempt toward a peer. Both sides discover each other at
	// nearly the same moment; the jitter keeps them from racing to offer.
	InitiateJitter time.Duration
	Peer           peer.Options
	Logger         *slog.Logger
}

const defaultInitiateJitter = time.Second

// Relay is the relay transport surface the arbitrator falls back on.
type Relay interface {
	Broadcast(targetIDs []protocol.ClientID, message protocol.Message) error
	SendTo(targetID protocol.ClientID, message protocol.Message) error
	Subscribe(fn func(senderID protocol.ClientID, message protocol.Message)) func()
}

// Signaler is the slice of the signaling client the arbitrator observes.
type Signaler interface {
	Subscribe(fn func(signaling.Event)) func()
}

// peerLink is one direct connection attempt; satisfied by peer.Negotiator.
type peerLink interface {
	Initiate()
	Send(data []byte) error
	HandleOffer(sdp string)
	HandleAnswer(sdp string)
	HandleCandidate(candidate *protocol.ICECandidate)
	Subscribe(fn func(peer.Event)) func()
	Close()
}

// peerState tracks one remote room member.
type peerState struct {
	negotiator  peerLink
	mode        Mode
	unsubscribe func()
	jitterTimer *time.Timer
}

// Arbitrator owns the peer negotiators and decides P2P versus relay per
// destination and per message.
type Arbitrator struct {
	signaling Signaler
	relay     Relay
	cipher    crypto.Cipher
	opts      Options
	logger    *slog.Logger
	newPeer   func(localID, remoteID protocol.ClientID) peerLink

	mu      sync.Mutex
	localID protocol.ClientID
	peers   map[protocol.ClientID]*peerState
	closed  bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewArbitrator wires an arbitrator onto an existing signaling client and
// relay transport.
func NewArbitrator(signalingClient Signaler, relayTransport Relay, cipher crypto.Cipher, opts Options) *Arbitrator {
	if opts.Preference == "" {
		opts.Preference = PreferenceAuto
	}
	if opts.InitiateJitter <= 0 {
		opts.InitiateJitter = defaultInitiateJitter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	arbitrator := &Arbitrator{
		signaling: signalingClient,
		relay:     relayTransport,
		cipher:    cipher,
		opts:      opts,
		logger:    opts.Logger,
		peers:     make(map[protocol.ClientID]*peerState),
		subs:      make(map[int]func(Event)),
	}
	arbitrator.newPeer = func(localID, remoteID protocol.ClientID) peerLink {
		return peer.NewNegotiator(localID, remoteID, arbitrator, opts.Peer, opts.Logger)
	}
	signalingClient.Subscribe(arbitrator.handleSignalingEvent)
	relayTransport.Subscribe(arbitrator.handleRelayMessage)
	return arbitrator
}

// Subscribe registers an event callback and returns its removal function.
func (a *Arbitrator) Subscribe(fn func(Event)) func() {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
		})
	}
}

// Mode returns the live transport mode for one peer. Unknown peers report
// relay; the relay path is always assumed available.
func (a *Arbitrator) Mode(peerID protocol.ClientID) Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.peers[peerID]; ok {
		return state.mode
	}
	return ModeRelay
}

// Modes returns a snapshot of every known peer's transport mode.
func (a *Arbitrator) Modes() map[protocol.ClientID]Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	modes := make(map[protocol.ClientID]Mode, len(a.peers))
	for id, state := range a.peers {
		modes[id] = state.mode
	}
	return modes
}

// Broadcast delivers message to every known room member. Peers with an
// open data channel are served directly; everyone else is batched into a
// single relay frame restricted to exactly that target set, so no peer
// receives the message twice.
func (a *Arbitrator) Broadcast(message protocol.Message) error {
	a.mu.Lock()
	type target struct {
		id         protocol.ClientID
		negotiator peerLink
	}
	direct := make([]target, 0, len(a.peers))
	viaRelay := make([]protocol.ClientID, 0, len(a.peers))
	for id, state := range a.peers {
		if a.opts.Preference != PreferenceRelay && state.mode == ModeP2P && state.negotiator != nil {
			direct = append(direct, target{id: id, negotiator: state.negotiator})
		} else {
			viaRelay = append(viaRelay, id)
		}
	}
	a.mu.Unlock()

	var frame []byte
	if len(direct) > 0 {
		var err error
		frame, err = a.seal(message)
		if err != nil {
			return err
		}
	}

	for _, t := range direct {
		if err := t.negotiator.Send(frame); err != nil {
			a.logger.Debug("p2p send failed, routing via relay", "peer", t.id, "error", err)
			viaRelay = append(viaRelay, t.id)
		}
	}

	if len(viaRelay) == 0 {
		return nil
	}
	return a.relay.Broadcast(viaRelay, message)
}

// SendTo delivers message to one room member, falling back to the relay
// when the direct path is unavailable or fails synchronously.
func (a *Arbitrator) SendTo(peerID protocol.ClientID, message protocol.Message) error {
	a.mu.Lock()
	var negotiator peerLink
	if state, ok := a.peers[peerID]; ok && a.opts.Preference != PreferenceRelay && state.mode == ModeP2P {
		negotiator = state.negotiator
	}
	a.mu.Unlock()

	if negotiator != nil {
		frame, err := a.seal(message)
		if err != nil {
			return err
		}
		if err := negotiator.Send(frame); err == nil {
			return nil
		}
		a.logger.Debug("p2p send failed, routing via relay", "peer", peerID)
	}
	return a.relay.SendTo(peerID, message)
}

// Initiate schedules a P2P attempt toward one peer after a random jitter.
// A no-op when the preference is relay-only or the peer is unknown.
func (a *Arbitrator) Initiate(peerID protocol.ClientID) {
	if a.opts.Preference == PreferenceRelay {
		return
	}

	a.mu.Lock()
	state, ok := a.peers[peerID]
	if !ok || a.closed || state.jitterTimer != nil {
		a.mu.Unlock()
		return
	}
	negotiator := a.ensureNegotiatorLocked(peerID, state)
	delay := rand.N(a.opts.InitiateJitter)
	state.jitterTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		if s, ok := a.peers[peerID]; ok {
			s.jitterTimer = nil
		}
		closed := a.closed
		a.mu.Unlock()
		if !closed {
			negotiator.Initiate()
		}
	})
	a.mu.Unlock()
}

// InitiateAll schedules a P2P attempt toward each given peer.
func (a *Arbitrator) InitiateAll(peerIDs []protocol.ClientID) {
	for _, id := range peerIDs {
		a.Initiate(id)
	}
}

// Close tears down every negotiator and stops all pending timers.
// Idempotent.
func (a *Arbitrator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	peers := a.peers
	a.peers = make(map[protocol.ClientID]*peerState)
	a.mu.Unlock()

	for _, state := range peers {
		a.teardownPeer(state)
	}

	a.subMu.Lock()
	a.subs = make(map[int]func(Event))
	a.subMu.Unlock()
}

// SendSignal routes a negotiation message to one peer over the relay. The
// offer, answer and candidate exchange must never depend on the channel it
// is trying to establish.
func (a *Arbitrator) SendSignal(targetID protocol.ClientID, message protocol.Message) error {
	return a.relay.SendTo(targetID, message)
}

func (a *Arbitrator) handleSignalingEvent(event signaling.Event) {
	switch event.Kind {
	case signaling.EventWelcome:
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.localID = event.ClientID
		stale := a.peers
		a.peers = make(map[protocol.ClientID]*peerState, len(event.Clients))
		for _, info := range event.Clients {
			a.peers[info.ID] = &peerState{mode: ModeRelay}
		}
		ids := make([]protocol.ClientID, 0, len(event.Clients))
		for _, info := range event.Clients {
			ids = append(ids, info.ID)
		}
		a.mu.Unlock()

		// A reconnect hands out a fresh local id, which invalidates every
		// politeness role computed from the old one.
		for _, state := range stale {
			a.teardownPeer(state)
		}
		a.InitiateAll(ids)

	case signaling.EventClientJoined:
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		if _, ok := a.peers[event.Client.ID]; !ok {
			a.peers[event.Client.ID] = &peerState{mode: ModeRelay}
		}
		a.mu.Unlock()
		a.Initiate(event.Client.ID)

	case signaling.EventClientLeft:
		a.mu.Lock()
		state, ok := a.peers[event.Client.ID]
		if ok {
			delete(a.peers, event.Client.ID)
		}
		a.mu.Unlock()
		if ok {
			a.teardownPeer(state)
		}
	}
}

// handleRelayMessage dispatches inbound relayed messages: negotiation
// signals feed the matching negotiator, everything else goes to
// subscribers.
func (a *Arbitrator) handleRelayMessage(senderID protocol.ClientID, message protocol.Message) {
	switch message := message.(type) {
	case protocol.PeerOffer:
		if negotiator := a.negotiatorFor(senderID); negotiator != nil {
			negotiator.HandleOffer(message.SDP)
		}
	case protocol.PeerAnswer:
		if negotiator := a.negotiatorFor(senderID); negotiator != nil {
			negotiator.HandleAnswer(message.SDP)
		}
	case protocol.PeerIceCandidate:
		if negotiator := a.negotiatorFor(senderID); negotiator != nil {
			negotiator.HandleCandidate(message.Candidate)
		}
	default:
		a.emit(Event{Kind: EventMessage, SenderID: senderID, Message: message})
	}
}

// negotiatorFor returns the negotiator for senderID, creating one when an
// offer arrives from a peer this side has not initiated toward. Relay-only
// preference refuses negotiation entirely.
func (a *Arbitrator) negotiatorFor(senderID protocol.ClientID) peerLink {
	if a.opts.Preference == PreferenceRelay {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.localID == "" {
		return nil
	}
	state, ok := a.peers[senderID]
	if !ok {
		// Signals can outrun the roster update after a join.
		state = &peerState{mode: ModeRelay}
		a.peers[senderID] = state
	}
	return a.ensureNegotiatorLocked(senderID, state)
}

// ensureNegotiatorLocked lazily builds the negotiator for one peer. Caller
// holds a.mu.
func (a *Arbitrator) ensureNegotiatorLocked(peerID protocol.ClientID, state *peerState) peerLink {
	if state.negotiator != nil {
		return state.negotiator
	}
	negotiator := a.newPeer(a.localID, peerID)
	state.negotiator = negotiator
	state.unsubscribe = negotiator.Subscribe(func(event peer.Event) {
		a.handlePeerEvent(peerID, event)
	})
	return negotiator
}

func (a *Arbitrator) handlePeerEvent(peerID protocol.ClientID, event peer.Event) {
	switch event.Kind {
	case peer.EventConnected:
		a.setMode(peerID, ModeP2P)
	case peer.EventReconnecting, peer.EventFailed, peer.EventClosed:
		a.setMode(peerID, ModeRelay)
	case peer.EventMessage:
		message, err := a.unseal(event.Data)
		if err != nil {
			a.logger.Warn("dropping invalid p2p frame", "peer", peerID, "error", err)
			return
		}
		a.emit(Event{Kind: EventMessage, SenderID: peerID, Message: message})
	}
}

// setMode records a peer's transport mode and notifies subscribers on a
// change.
func (a *Arbitrator) setMode(peerID protocol.ClientID, mode Mode) {
	a.mu.Lock()
	state, ok := a.peers[peerID]
	if !ok || state.mode == mode {
		a.mu.Unlock()
		return
	}
	state.mode = mode
	a.mu.Unlock()

	a.logger.Info("peer transport mode changed", "peer", peerID, "mode", string(mode))
	a.emit(Event{Kind: EventModeChanged, PeerID: peerID, Mode: mode})
}

func (a *Arbitrator) teardownPeer(state *peerState) {
	if state.jitterTimer != nil {
		state.jitterTimer.Stop()
	}
	if state.unsubscribe != nil {
		state.unsubscribe()
	}
	if state.negotiator != nil {
		state.negotiator.Close()
	}
}

// seal encrypts one message for the data channel. The direct path carries
// the same encrypted blob shape as the relay.
func (a *Arbitrator) seal(message protocol.Message) ([]byte, error) {
	plaintext, err := protocol.EncodeMessage(message)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	blob, err := a.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}
	return json.Marshal(blob)
}

func (a *Arbitrator) unseal(frame []byte) (protocol.Message, error) {
	var blob protocol.EncryptedBlob
	if err := json.Unmarshal(frame, &blob); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	plaintext, err := a.cipher.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessage(plaintext)
}

func (a *Arbitrator) emit(event Event) {
	a.subMu.Lock()
	callbacks := make([]func(Event), 0, len(a.subs))
	for _, fn := range a.subs {
		callbacks = append(callbacks, fn)
	}
	a.subMu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}
