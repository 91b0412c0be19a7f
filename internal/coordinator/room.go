// Package coordinator implements the server side of the room protocol:
// the HELLO handshake, membership tracking, and relaying of opaque
// encrypted payloads between room members. Payloads are never inspected;
// the coordinator learns who talks to whom, not what they say.
package coordinator

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

// Room holds the live session set for one room id. Rooms are ephemeral:
// the registry discards a room once its last session leaves.
type Room struct {
	id       string
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[protocol.ClientID]*Session
	// pending holds sessions that connected but have not completed HELLO.
	pending map[*Session]struct{}
}

func newRoom(id string, registry *Registry, logger *slog.Logger) *Room {
	return &Room{
		id:       id,
		registry: registry,
		logger:   logger.With("room", id),
		sessions: make(map[protocol.ClientID]*Session),
		pending:  make(map[*Session]struct{}),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// Members returns the current roster of handshaken sessions.
func (r *Room) Members() []protocol.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]protocol.ClientInfo, 0, len(r.sessions))
	for id, session := range r.sessions {
		members = append(members, protocol.ClientInfo{ID: id, Name: session.Name()})
	}
	return members
}

func (r *Room) addPending(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[session] = struct{}{}
}

// handleFrame processes one inbound frame from a session. It returns true
// when the session's read pump should stop.
func (r *Room) handleFrame(session *Session, frame protocol.ClientFrame) bool {
	switch frame := frame.(type) {
	case protocol.Hello:
		r.handleHello(session, frame)
		return false

	case protocol.Ping:
		if !session.handshaken() {
			r.rejectPreHello(session, "PING")
			return false
		}
		session.sendFrame(protocol.NewPong())
		return false

	case protocol.Leave:
		if session.handshaken() {
			r.logger.Info("client leaving", "clientId", session.ID())
		}
		session.closeNormal()
		return true

	case protocol.RelayBroadcast:
		if !session.handshaken() {
			r.rejectPreHello(session, "RELAY_BROADCAST")
			return false
		}
		r.relayBroadcast(session, frame.TargetIDs, frame.Payload)
		return false

	case protocol.RelaySend:
		if !session.handshaken() {
			r.rejectPreHello(session, "RELAY_SEND")
			return false
		}
		r.relaySend(session, frame.TargetID, frame.Payload)
		return false

	default:
		session.sendFrame(protocol.NewServerError("Unsupported message"))
		return false
	}
}

// handleHello completes the handshake: it assigns a fresh id, replies with
// the roster excluding the new member, and announces the join to everyone
// else. A duplicate HELLO on the same connection is logged and ignored.
func (r *Room) handleHello(session *Session, hello protocol.Hello) {
	name, err := protocol.ValidateClientName(hello.Payload.ClientName)
	if err != nil {
		session.sendFrame(protocol.NewServerError("Invalid client name"))
		return
	}

	id := protocol.ClientID(uuid.New().String())
	if !session.completeHandshake(id, name) {
		r.logger.Warn("ignoring duplicate HELLO", "clientId", session.ID())
		return
	}

	r.mu.Lock()
	delete(r.pending, session)
	roster := make([]protocol.ClientInfo, 0, len(r.sessions))
	for memberID, member := range r.sessions {
		roster = append(roster, protocol.ClientInfo{ID: memberID, Name: member.Name()})
	}
	r.sessions[id] = session
	r.mu.Unlock()

	r.registry.presenceAdd(r.id, id)
	r.logger.Info("client joined", "clientId", id, "name", name, "members", len(roster)+1)

	session.sendFrame(protocol.NewWelcome(id, roster))
	r.broadcast(protocol.NewClientJoined(protocol.ClientInfo{ID: id, Name: name}), id)
}

// relayBroadcast forwards an opaque payload to the given targets, or to
// every other member when no targets are named. The sender never receives
// its own broadcast.
func (r *Room) relayBroadcast(sender *Session, targetIDs []protocol.ClientID, payload protocol.EncryptedBlob) {
	senderID := sender.ID()
	frame := protocol.NewRelayedBroadcast(senderID, payload)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(targetIDs) == 0 {
		for id, member := range r.sessions {
			if id != senderID {
				member.sendFrame(frame)
			}
		}
		return
	}
	for _, id := range targetIDs {
		if id == senderID {
			continue
		}
		if member, ok := r.sessions[id]; ok {
			member.sendFrame(frame)
		}
	}
}

// relaySend forwards an opaque payload to exactly one member. A missing
// target is answered with an error; a targeted message is never dropped
// silently.
func (r *Room) relaySend(sender *Session, targetID protocol.ClientID, payload protocol.EncryptedBlob) {
	r.mu.RLock()
	target, ok := r.sessions[targetID]
	r.mu.RUnlock()

	if !ok || targetID == sender.ID() {
		sender.sendFrame(protocol.NewServerError("Target client not found"))
		return
	}
	target.sendFrame(protocol.NewRelayedSend(sender.ID(), payload))
}

// removeSession detaches a session after its connection closed, announces
// the departure, and discards the room when it becomes empty. This runs
// for clean and unclean disconnects alike.
func (r *Room) removeSession(session *Session) {
	r.mu.Lock()
	delete(r.pending, session)
	id := session.ID()
	announced := false
	if _, ok := r.sessions[id]; ok && id != "" {
		delete(r.sessions, id)
		announced = true
	}
	empty := len(r.sessions) == 0 && len(r.pending) == 0
	r.mu.Unlock()

	if announced {
		r.registry.presenceRemove(r.id, id)
		r.logger.Info("client left", "clientId", id, "name", session.Name())
		r.broadcast(protocol.NewClientLeft(protocol.ClientInfo{ID: id, Name: session.Name()}), id)
	}
	if empty {
		r.registry.dropRoomIfEmpty(r)
	}
}

// closeAll force-closes every session in the room.
func (r *Room) closeAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions)+len(r.pending))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	for session := range r.pending {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	for _, session := range sessions {
		session.closeNormal()
	}
}

func (r *Room) rejectPreHello(session *Session, frameType string) {
	r.logger.Warn("rejecting frame before handshake", "type", frameType)
	session.sendFrame(protocol.NewServerError("Handshake required"))
}

// broadcast fans a server frame out to every handshaken member except the
// excluded one.
func (r *Room) broadcast(frame protocol.ServerFrame, exclude protocol.ClientID) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, member := range r.sessions {
		if id != exclude {
			member.sendFrame(frame)
		}
	}
}
