package transport

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/clipboard-sync/internal/peer"
	"github.com/mossy-p/clipboard-sync/internal/protocol"
	"github.com/mossy-p/clipboard-sync/internal/signaling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// passthroughCipher base64-encodes instead of encrypting, keeping tests
// deterministic and fast.
type passthroughCipher struct{}

func (passthroughCipher) Encrypt(plaintext []byte) (protocol.EncryptedBlob, error) {
	return protocol.EncryptedBlob{
		IV:         "aXY=",
		Ciphertext: base64.StdEncoding.EncodeToString(plaintext),
		Salt:       "c2FsdA==",
	}, nil
}

func (passthroughCipher) Decrypt(blob protocol.EncryptedBlob) ([]byte, error) {
	return base64.StdEncoding.DecodeString(blob.Ciphertext)
}

type fakeSignaler struct {
	mu  sync.Mutex
	fns []func(signaling.Event)
}

func (f *fakeSignaler) Subscribe(fn func(signaling.Event)) func() {
	f.mu.Lock()
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSignaler) fire(event signaling.Event) {
	f.mu.Lock()
	fns := append([]func(signaling.Event){}, f.fns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

type relayCall struct {
	targetIDs []protocol.ClientID
	targetID  protocol.ClientID
	message   protocol.Message
}

type fakeRelay struct {
	mu         sync.Mutex
	broadcasts []relayCall
	sends      []relayCall
	fn         func(protocol.ClientID, protocol.Message)
}

func (f *fakeRelay) Broadcast(targetIDs []protocol.ClientID, message protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, relayCall{targetIDs: targetIDs, message: message})
	return nil
}

func (f *fakeRelay) SendTo(targetID protocol.ClientID, message protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, relayCall{targetID: targetID, message: message})
	return nil
}

func (f *fakeRelay) Subscribe(fn func(senderID protocol.ClientID, message protocol.Message)) func() {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {}
}

func (f *fakeRelay) deliver(senderID protocol.ClientID, message protocol.Message) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(senderID, message)
	}
}

func (f *fakeRelay) lastBroadcast(t *testing.T) relayCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		t.Fatal("no relay broadcast recorded")
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

type fakePeerLink struct {
	mu         sync.Mutex
	sendErr    error
	sent       [][]byte
	initiated  bool
	closed     bool
	offers     []string
	answers    []string
	candidates []*protocol.ICECandidate
	subscriber func(peer.Event)
}

func (f *fakePeerLink) Initiate() {
	f.mu.Lock()
	f.initiated = true
	f.mu.Unlock()
}

func (f *fakePeerLink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakePeerLink) HandleOffer(sdp string) {
	f.mu.Lock()
	f.offers = append(f.offers, sdp)
	f.mu.Unlock()
}

func (f *fakePeerLink) HandleAnswer(sdp string) {
	f.mu.Lock()
	f.answers = append(f.answers, sdp)
	f.mu.Unlock()
}

func (f *fakePeerLink) HandleCandidate(candidate *protocol.ICECandidate) {
	f.mu.Lock()
	f.candidates = append(f.candidates, candidate)
	f.mu.Unlock()
}

func (f *fakePeerLink) Subscribe(fn func(peer.Event)) func() {
	f.mu.Lock()
	f.subscriber = fn
	f.mu.Unlock()
	return func() {}
}

func (f *fakePeerLink) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakePeerLink) fire(event peer.Event) {
	f.mu.Lock()
	fn := f.subscriber
	f.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

type harness struct {
	arbitrator *Arbitrator
	sig        *fakeSignaler
	relay      *fakeRelay
	links      map[protocol.ClientID]*fakePeerLink
}

func newHarness(t *testing.T, preference Preference) *harness {
	t.Helper()
	sig := &fakeSignaler{}
	fr := &fakeRelay{}
	arbitrator := NewArbitrator(sig, fr, passthroughCipher{}, Options{
		Preference:     preference,
		InitiateJitter: time.Millisecond,
		Logger:         discardLogger(),
	})
	t.Cleanup(arbitrator.Close)

	h := &harness{arbitrator: arbitrator, sig: sig, relay: fr, links: make(map[protocol.ClientID]*fakePeerLink)}
	arbitrator.newPeer = func(localID, remoteID protocol.ClientID) peerLink {
		link := &fakePeerLink{}
		h.links[remoteID] = link
		return link
	}
	return h
}

func (h *harness) welcome(localID protocol.ClientID, peerIDs ...protocol.ClientID) {
	clients := make([]protocol.ClientInfo, 0, len(peerIDs))
	for _, id := range peerIDs {
		clients = append(clients, protocol.ClientInfo{ID: id, Name: "peer-" + string(id)})
	}
	h.sig.fire(signaling.Event{Kind: signaling.EventWelcome, ClientID: localID, Clients: clients})
}

// connect upgrades one peer to p2p mode through its link's event stream.
func (h *harness) connect(t *testing.T, peerID protocol.ClientID) {
	t.Helper()
	h.arbitrator.Initiate(peerID)
	link, ok := h.links[peerID]
	if !ok {
		t.Fatalf("no link created for %s", peerID)
	}
	link.fire(peer.Event{Kind: peer.EventConnected})
	if h.arbitrator.Mode(peerID) != ModeP2P {
		t.Fatalf("peer %s mode %s, want p2p", peerID, h.arbitrator.Mode(peerID))
	}
}

func TestWelcomeSeedsRelayMode(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa", "bbb")

	modes := h.arbitrator.Modes()
	if len(modes) != 2 || modes["aaa"] != ModeRelay || modes["bbb"] != ModeRelay {
		t.Fatalf("modes %v", modes)
	}
}

func TestBroadcastFanOutExclusivity(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa", "bbb", "ccc")
	h.connect(t, "aaa")

	update := protocol.NewClipboardUpdate("id-1", 1, "content")
	if err := h.arbitrator.Broadcast(update); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	link := h.links["aaa"]
	link.mu.Lock()
	directSends := len(link.sent)
	link.mu.Unlock()
	if directSends != 1 {
		t.Fatalf("p2p peer got %d frames, want 1", directSends)
	}

	call := h.relay.lastBroadcast(t)
	targets := append([]protocol.ClientID{}, call.targetIDs...)
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	if len(targets) != 2 || targets[0] != "bbb" || targets[1] != "ccc" {
		t.Fatalf("relay targets %v, want [bbb ccc]", targets)
	}
}

func TestBroadcastAllPeersDirectSkipsRelay(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")

	if err := h.arbitrator.Broadcast(protocol.NewClipboardUpdate("id-1", 1, "content")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	if len(h.relay.broadcasts) != 0 {
		t.Fatalf("relay used for fully direct broadcast: %v", h.relay.broadcasts)
	}
}

func TestBroadcastFallsBackOnSendFailure(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")
	h.links["aaa"].sendErr = errors.New("channel closing")

	if err := h.arbitrator.Broadcast(protocol.NewClipboardUpdate("id-1", 1, "content")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	call := h.relay.lastBroadcast(t)
	if len(call.targetIDs) != 1 || call.targetIDs[0] != "aaa" {
		t.Fatalf("relay targets %v, want [aaa]", call.targetIDs)
	}
}

func TestSendToFallsBackSynchronously(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")
	h.links["aaa"].sendErr = errors.New("channel closing")

	if err := h.arbitrator.SendTo("aaa", protocol.NewClipboardUpdate("id-1", 1, "content")); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	if len(h.relay.sends) != 1 || h.relay.sends[0].targetID != "aaa" {
		t.Fatalf("relay sends %v", h.relay.sends)
	}
}

func TestRelayPreferenceNeverNegotiates(t *testing.T) {
	h := newHarness(t, PreferenceRelay)
	h.welcome("local", "aaa")

	h.arbitrator.Initiate("aaa")
	h.relay.deliver("aaa", protocol.NewPeerOffer("sdp"))
	if len(h.links) != 0 {
		t.Fatalf("links created under relay preference: %v", h.links)
	}

	if err := h.arbitrator.Broadcast(protocol.NewClipboardUpdate("id-1", 1, "content")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	call := h.relay.lastBroadcast(t)
	if len(call.targetIDs) != 1 || call.targetIDs[0] != "aaa" {
		t.Fatalf("relay targets %v", call.targetIDs)
	}
}

func TestFailureDowngradesToRelay(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")

	var events []Event
	var mu sync.Mutex
	h.arbitrator.Subscribe(func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	h.links["aaa"].fire(peer.Event{Kind: peer.EventFailed, Reason: "retries exhausted"})

	if h.arbitrator.Mode("aaa") != ModeRelay {
		t.Fatalf("mode %s, want relay", h.arbitrator.Mode("aaa"))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Kind != EventModeChanged || events[0].Mode != ModeRelay || events[0].PeerID != "aaa" {
		t.Fatalf("events %v", events)
	}
}

func TestInboundSignalsRouteToLink(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")

	h.relay.deliver("aaa", protocol.NewPeerOffer("offer-sdp"))
	h.relay.deliver("aaa", protocol.NewPeerAnswer("answer-sdp"))
	h.relay.deliver("aaa", protocol.NewPeerIceCandidate(&protocol.ICECandidate{Candidate: "candidate:1"}))

	link, ok := h.links["aaa"]
	if !ok {
		t.Fatal("offer did not create a link")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.offers) != 1 || link.offers[0] != "offer-sdp" {
		t.Fatalf("offers %v", link.offers)
	}
	if len(link.answers) != 1 || link.answers[0] != "answer-sdp" {
		t.Fatalf("answers %v", link.answers)
	}
	if len(link.candidates) != 1 || link.candidates[0].Candidate != "candidate:1" {
		t.Fatalf("candidates %v", link.candidates)
	}
}

func TestInboundApplicationMessageEmitted(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")

	var got []Event
	var mu sync.Mutex
	h.arbitrator.Subscribe(func(event Event) {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
	})

	h.relay.deliver("aaa", protocol.NewClipboardUpdate("id-1", 1, "from relay"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Kind != EventMessage || got[0].SenderID != "aaa" {
		t.Fatalf("events %v", got)
	}
	update, ok := got[0].Message.(protocol.ClipboardUpdate)
	if !ok || update.Content != "from relay" {
		t.Fatalf("message %v", got[0].Message)
	}
}

func TestInboundP2PFrameDecrypted(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")

	var got []Event
	var mu sync.Mutex
	h.arbitrator.Subscribe(func(event Event) {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
	})

	frame, err := h.arbitrator.seal(protocol.NewClipboardUpdate("id-9", 9, "direct"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	h.links["aaa"].fire(peer.Event{Kind: peer.EventMessage, Data: frame})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].SenderID != "aaa" {
		t.Fatalf("events %v", got)
	}
	update, ok := got[0].Message.(protocol.ClipboardUpdate)
	if !ok || update.Content != "direct" {
		t.Fatalf("message %v", got[0].Message)
	}
}

func TestClientLeftClosesLink(t *testing.T) {
	h := newHarness(t, PreferenceAuto)
	h.welcome("local", "aaa")
	h.connect(t, "aaa")

	h.sig.fire(signaling.Event{Kind: signaling.EventClientLeft, Client: protocol.ClientInfo{ID: "aaa", Name: "peer-aaa"}})

	link := h.links["aaa"]
	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	if !closed {
		t.Fatal("link not closed after client left")
	}
	if len(h.arbitrator.Modes()) != 0 {
		t.Fatalf("modes %v after client left", h.arbitrator.Modes())
	}
}
