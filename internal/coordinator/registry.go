package coordinator

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RoomStats is a point-in-time view of one room, served by the admin API.
type RoomStats struct {
	RoomID  string                `json:"roomId"`
	Members []protocol.ClientInfo `json:"members"`
}

// Registry owns the live rooms. Rooms are created on first join and
// discarded when their last session leaves.
type Registry struct {
	presence Presence
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a registry. Pass NopPresence when no presence
// mirror is configured.
func NewRegistry(presence Presence, logger *slog.Logger) *Registry {
	if presence == nil {
		presence = NopPresence{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		presence: presence,
		logger:   logger,
		rooms:    make(map[string]*Room),
	}
}

// HandleWebSocket upgrades a client connection and attaches it to its
// room. The session stays pending until HELLO completes.
func (g *Registry) HandleWebSocket(c *gin.Context) {
	roomID, err := protocol.ValidateRoomID(c.Query("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "valid roomId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := g.joinRoom(roomID, conn)

	go session.writePump()
	go session.readPump()
}

// Stats returns the live view of one room, or false when it does not
// exist.
func (g *Registry) Stats(roomID string) (RoomStats, bool) {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return RoomStats{}, false
	}
	return RoomStats{RoomID: roomID, Members: room.Members()}, true
}

// StatsAll returns the live view of every room.
func (g *Registry) StatsAll() []RoomStats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, RoomStats{RoomID: room.ID(), Members: room.Members()})
	}
	return stats
}

// CloseRoom force-disconnects every session in a room. It reports whether
// the room existed.
func (g *Registry) CloseRoom(roomID string) bool {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.logger.Info("force-closing room", "room", roomID)
	room.closeAll()
	return true
}

// joinRoom attaches a new pending session to its room, creating the room
// on first join. Lookup and attach happen under one registry lock so the
// empty-room check can never discard a room between the two.
func (g *Registry) joinRoom(roomID string, conn *websocket.Conn) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		room = newRoom(roomID, g, g.logger)
		g.rooms[roomID] = room
		g.logger.Info("created room", "room", roomID)
	}
	session := newSession(room, conn, g.logger)
	room.addPending(session)
	return session
}

// dropRoomIfEmpty discards a room once its session set is empty. The room
// re-checks under the registry lock; a concurrent join wins.
func (g *Registry) dropRoomIfEmpty(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.rooms[room.id]
	if !ok || current != room {
		return
	}
	room.mu.RLock()
	empty := len(room.sessions) == 0 && len(room.pending) == 0
	room.mu.RUnlock()
	if empty {
		delete(g.rooms, room.id)
		g.logger.Info("removed empty room", "room", room.id)
	}
}

func (g *Registry) presenceAdd(roomID string, clientID protocol.ClientID) {
	if err := g.presence.Add(roomID, clientID); err != nil {
		g.logger.Warn("presence add failed", "room", roomID, "error", err)
	}
}

func (g *Registry) presenceRemove(roomID string, clientID protocol.ClientID) {
	if err := g.presence.Remove(roomID, clientID); err != nil {
		g.logger.Warn("presence remove failed", "room", roomID, "error", err)
	}
}
