// Package peer establishes and maintains one WebRTC data channel per remote
// room member. Offers, answers and ICE candidates travel as encrypted
// application messages over the relay, never over the channel being
// negotiated, so signaling stays available while the direct path is down
// and is protected by the room secret.
//
// Simultaneous offers are resolved with the perfect-negotiation pattern:
// the pair's politeness roles are fixed by comparing the two client ids, so
// both ends always agree on who yields. The impolite side ignores a
// colliding inbound offer; the polite side discards its own attempt and
// answers the remote one.
package peer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

// ErrChannelNotOpen is returned by Send when the data channel is not open.
var ErrChannelNotOpen = errors.New("peer: data channel is not open")

// State is the lifecycle state of a Negotiator.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// EventKind discriminates negotiator events.
type EventKind int

const (
	// EventConnected fires when the data channel opens.
	EventConnected EventKind = iota
	// EventReconnecting fires when a retry is scheduled after a drop.
	EventReconnecting
	// EventFailed fires when the retry budget is exhausted. The peer is
	// reachable via relay only from here until a fresh negotiation starts.
	EventFailed
	// EventClosed fires on explicit Close.
	EventClosed
	// EventMessage delivers one inbound data channel frame.
	EventMessage
)

// Event is one typed negotiator notification.
type Event struct {
	Kind    EventKind
	Reason  string        // EventFailed: terminating cause
	Delay   time.Duration // EventReconnecting
	Attempt int           // EventReconnecting
	Data    []byte        // EventMessage
}

// Courier carries signaling messages to the remote peer, normally the
// relay transport's targeted send.
type Courier interface {
	SendSignal(targetID protocol.ClientID, message protocol.Message) error
}

// Options tunes a Negotiator. Zero values select the defaults.
type Options struct {
	ICEServers      []webrtc.ICEServer
	ChannelLabel    string
	MaxRetries      int           // retry budget after a connected drop
	MaxFirstRetries int           // retry budget while first establishing
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DisconnectGrace time.Duration
	// IncludeLoopback admits loopback ICE candidates; needed when both
	// peers share one machine, as in tests.
	IncludeLoopback bool
}

const (
	defaultChannelLabel    = "clipboard"
	defaultMaxRetries      = 5
	defaultMaxFirstRetries = 3
	defaultBaseBackoff     = time.Second
	defaultMaxBackoff      = 30 * time.Second
	defaultDisconnectGrace = 3 * time.Second
)

// Polite reports whether the local side yields on offer collisions. The
// lexicographically smaller client id is the canonical offerer (impolite);
// the rule is stable across reconnects because it depends only on the ids.
func Polite(localID, remoteID protocol.ClientID) bool {
	return localID > remoteID
}

// Negotiator manages the direct connection to one remote client.
type Negotiator struct {
	localID  protocol.ClientID
	remoteID protocol.ClientID
	polite   bool
	courier  Courier
	opts     Options
	logger   *slog.Logger

	mu                sync.Mutex
	state             State
	pc                *webrtc.PeerConnection
	dc                *webrtc.DataChannel
	pendingCandidates []webrtc.ICECandidateInit
	makingOffer       bool
	haveLocalOffer    bool
	everConnected     bool
	retryCount        int
	retryTimer        *time.Timer
	graceTimer        *time.Timer
	generation        int

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewNegotiator creates a negotiator for one (local, remote) pair. The
// politeness role is derived from the two ids.
func NewNegotiator(localID, remoteID protocol.ClientID, courier Courier, opts Options, logger *slog.Logger) *Negotiator {
	if opts.ChannelLabel == "" {
		opts.ChannelLabel = defaultChannelLabel
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxFirstRetries <= 0 {
		opts.MaxFirstRetries = defaultMaxFirstRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		localID:  localID,
		remoteID: remoteID,
		polite:   Polite(localID, remoteID),
		courier:  courier,
		opts:     opts,
		logger:   logger.With("peer", remoteID),
		state:    StateIdle,
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers an event callback and returns its removal function.
func (n *Negotiator) Subscribe(fn func(Event)) func() {
	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.subMu.Lock()
			delete(n.subs, id)
			n.subMu.Unlock()
		})
	}
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Polite reports the local politeness role.
func (n *Negotiator) Polite() bool {
	return n.polite
}

// RemoteID returns the id of the remote client.
func (n *Negotiator) RemoteID() protocol.ClientID {
	return n.remoteID
}

// Initiate starts an outbound negotiation: it creates the peer connection
// and data channel and sends an offer through the courier. The polite side
// never initiates; it waits for the remote offer.
func (n *Negotiator) Initiate() {
	n.mu.Lock()
	if n.state == StateClosed || n.polite {
		n.mu.Unlock()
		return
	}
	if n.state == StateConnected || n.makingOffer {
		n.mu.Unlock()
		return
	}
	n.state = StateNegotiating
	if err := n.createPeerConnectionLocked(true); err != nil {
		n.mu.Unlock()
		n.logger.Error("creating peer connection failed", "error", err)
		return
	}
	n.mu.Unlock()

	n.makeOffer()
}

// Send transmits one frame over the data channel.
func (n *Negotiator) Send(data []byte) error {
	n.mu.Lock()
	dc := n.dc
	n.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close tears the negotiator down. Terminal and idempotent: timers are
// cancelled, the peer connection is closed, and subscribers are released
// after a final closed event.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	n.state = StateClosed
	n.generation++
	n.stopTimersLocked()
	pc := n.pc
	n.pc = nil
	n.dc = nil
	n.mu.Unlock()

	if pc != nil {
		pc.Close()
	}

	n.emit(Event{Kind: EventClosed})

	n.subMu.Lock()
	n.subs = make(map[int]func(Event))
	n.subMu.Unlock()
}

// HandleOffer processes a remote offer, applying the collision rule when a
// local offer is in flight.
func (n *Negotiator) HandleOffer(sdp string) {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return
	}

	collision := n.makingOffer || n.haveLocalOffer
	if collision && !n.polite {
		n.mu.Unlock()
		n.logger.Debug("ignoring colliding offer (impolite)")
		return
	}
	if collision {
		// Polite side: abandon the local attempt and take the remote
		// offer. pion has no SDP rollback, so discard the connection and
		// start clean; the observable outcome is the same.
		n.logger.Debug("yielding to colliding offer (polite)")
		n.teardownConnectionLocked()
	}

	n.state = StateNegotiating
	if n.pc == nil {
		if err := n.createPeerConnectionLocked(false); err != nil {
			n.mu.Unlock()
			n.logger.Error("creating peer connection failed", "error", err)
			return
		}
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		n.logger.Error("setting remote offer failed", "error", err)
		return
	}
	n.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.logger.Error("creating answer failed", "error", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		n.logger.Error("setting local answer failed", "error", err)
		return
	}
	if err := n.courier.SendSignal(n.remoteID, protocol.NewPeerAnswer(answer.SDP)); err != nil {
		n.logger.Warn("sending answer failed", "error", err)
	}
}

// HandleAnswer processes a remote answer. Late or duplicate answers after
// negotiation already completed are ignored.
func (n *Negotiator) HandleAnswer(sdp string) {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	if pc.SignalingState() == webrtc.SignalingStateStable {
		n.mu.Unlock()
		n.logger.Debug("ignoring answer in stable state")
		return
	}
	n.haveLocalOffer = false
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		n.logger.Error("setting remote answer failed", "error", err)
		return
	}
	n.flushPendingCandidates(pc)
}

// HandleCandidate applies a trickled ICE candidate, buffering it until the
// remote description is known. A nil candidate (end of candidates) is
// dropped; pion treats gathering completion internally.
func (n *Negotiator) HandleCandidate(candidate *protocol.ICECandidate) {
	if candidate == nil {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}

	n.mu.Lock()
	pc := n.pc
	if pc == nil || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	if pc.RemoteDescription() == nil {
		n.pendingCandidates = append(n.pendingCandidates, init)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		n.logger.Warn("adding ICE candidate failed", "error", err)
	}
}

// createPeerConnectionLocked builds a fresh PeerConnection, replacing any
// existing one. Caller holds n.mu. When outbound is true the local side
// also creates the data channel.
func (n *Negotiator) createPeerConnectionLocked(outbound bool) error {
	n.teardownConnectionLocked()

	settingEngine := webrtc.SettingEngine{}
	if n.opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: n.opts.ICEServers})
	if err != nil {
		return err
	}
	n.pc = pc
	n.pendingCandidates = nil
	generation := n.generation

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		signal := protocol.NewPeerIceCandidate(&protocol.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
		if err := n.courier.SendSignal(n.remoteID, signal); err != nil {
			n.logger.Debug("sending ICE candidate failed", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.handleConnectionState(generation, state)
	})

	if outbound {
		dc, err := pc.CreateDataChannel(n.opts.ChannelLabel, nil)
		if err != nil {
			return err
		}
		n.attachChannelLocked(dc, generation)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			n.mu.Lock()
			if n.generation != generation || n.state == StateClosed {
				n.mu.Unlock()
				return
			}
			n.attachChannelLocked(dc, generation)
			n.mu.Unlock()
		})
	}
	return nil
}

// attachChannelLocked adopts a data channel. Caller holds n.mu.
func (n *Negotiator) attachChannelLocked(dc *webrtc.DataChannel, generation int) {
	n.dc = dc

	dc.OnOpen(func() {
		n.markConnected(generation)
	})
	dc.OnClose(func() {
		n.markDisconnected(generation, "data channel closed")
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		n.emit(Event{Kind: EventMessage, Data: message.Data})
	})
}

func (n *Negotiator) handleConnectionState(generation int, state webrtc.PeerConnectionState) {
	n.mu.Lock()
	if n.generation != generation || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.logger.Debug("peer connection state", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// The channel's OnOpen marks connected; nothing to do here.
	case webrtc.PeerConnectionStateDisconnected:
		n.markDisconnected(generation, "connection disconnected")
	case webrtc.PeerConnectionStateFailed:
		n.markDisconnected(generation, "connection failed")
	case webrtc.PeerConnectionStateClosed:
		n.markDisconnected(generation, "connection closed")
	}
}

// makeOffer creates and sends one offer. The makingOffer flag prevents two
// concurrent attempts for the same peer; it is cleared no matter how the
// attempt ends.
func (n *Negotiator) makeOffer() {
	n.mu.Lock()
	if n.makingOffer || n.pc == nil || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	n.makingOffer = true
	pc := n.pc
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		n.mu.Unlock()
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.logger.Error("creating offer failed", "error", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		n.logger.Error("setting local offer failed", "error", err)
		return
	}

	n.mu.Lock()
	n.haveLocalOffer = true
	n.mu.Unlock()

	if err := n.courier.SendSignal(n.remoteID, protocol.NewPeerOffer(offer.SDP)); err != nil {
		n.logger.Warn("sending offer failed", "error", err)
	}
}

func (n *Negotiator) flushPendingCandidates(pc *webrtc.PeerConnection) {
	n.mu.Lock()
	pending := n.pendingCandidates
	n.pendingCandidates = nil
	n.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			n.logger.Warn("adding buffered ICE candidate failed", "error", err)
		}
	}
}

func (n *Negotiator) markConnected(generation int) {
	n.mu.Lock()
	if n.generation != generation || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	n.state = StateConnected
	n.everConnected = true
	n.retryCount = 0
	n.haveLocalOffer = false
	n.stopTimersLocked()
	n.mu.Unlock()

	n.logger.Info("peer connected")
	n.emit(Event{Kind: EventConnected})
}

// markDisconnected starts the grace period. Brief ICE renegotiation blips
// resolve within it; anything longer schedules a reconnect or, once the
// budget is spent, degrades the peer to relay.
func (n *Negotiator) markDisconnected(generation int, reason string) {
	n.mu.Lock()
	if n.generation != generation || n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	if n.graceTimer != nil || n.retryTimer != nil {
		n.mu.Unlock()
		return
	}

	n.graceTimer = time.AfterFunc(n.opts.DisconnectGrace, func() {
		n.mu.Lock()
		n.graceTimer = nil
		if n.generation != generation || n.state == StateClosed {
			n.mu.Unlock()
			return
		}
		if n.state == StateConnected && n.dc != nil && n.dc.ReadyState() == webrtc.DataChannelStateOpen {
			// Recovered within the grace period.
			n.mu.Unlock()
			return
		}
		n.scheduleReconnectLocked(reason)
	})
	n.mu.Unlock()
}

// scheduleReconnectLocked retries negotiation with capped backoff. Caller
// holds n.mu; the lock is released before events fire.
func (n *Negotiator) scheduleReconnectLocked(reason string) {
	budget := n.opts.MaxRetries
	if !n.everConnected {
		budget = n.opts.MaxFirstRetries
	}

	if n.retryCount >= budget {
		n.state = StateFailed
		n.generation++
		n.teardownConnectionLocked()
		n.mu.Unlock()
		n.logger.Warn("peer negotiation gave up, falling back to relay", "reason", reason)
		n.emit(Event{Kind: EventFailed, Reason: reason})
		return
	}

	delay := backoffDelay(n.opts.BaseBackoff, n.opts.MaxBackoff, n.retryCount)
	attempt := n.retryCount + 1
	n.state = StateNegotiating
	generation := n.generation

	n.retryTimer = time.AfterFunc(delay, func() {
		n.mu.Lock()
		n.retryTimer = nil
		if n.generation != generation || n.state == StateClosed {
			n.mu.Unlock()
			return
		}
		n.retryCount++
		polite := n.polite
		if !polite {
			if err := n.createPeerConnectionLocked(true); err != nil {
				n.mu.Unlock()
				n.logger.Error("recreating peer connection failed", "error", err)
				return
			}
			n.mu.Unlock()
			n.makeOffer()
			return
		}
		// The polite side cannot offer without risking a new collision;
		// drop the dead connection and wait for the remote offer.
		n.teardownConnectionLocked()
		n.state = StateIdle
		n.mu.Unlock()
	})
	n.mu.Unlock()

	n.logger.Info("peer reconnecting", "delay", delay, "attempt", attempt, "reason", reason)
	n.emit(Event{Kind: EventReconnecting, Delay: delay, Attempt: attempt})
}

// teardownConnectionLocked closes and forgets the current connection.
// Caller holds n.mu.
func (n *Negotiator) teardownConnectionLocked() {
	n.generation++
	n.makingOffer = false
	n.haveLocalOffer = false
	n.pendingCandidates = nil
	n.dc = nil
	if n.pc != nil {
		pc := n.pc
		n.pc = nil
		go pc.Close()
	}
}

func (n *Negotiator) stopTimersLocked() {
	if n.retryTimer != nil {
		n.retryTimer.Stop()
		n.retryTimer = nil
	}
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
}

func (n *Negotiator) emit(event Event) {
	n.subMu.Lock()
	callbacks := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		callbacks = append(callbacks, fn)
	}
	n.subMu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
