package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingPeriod    = 54 * time.Second
	sendBuffer    = 256
)

// Session is one client connection to a room. It owns its websocket
// exclusively: the read pump is the only reader and the write pump the
// only writer.
type Session struct {
	room   *Room
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu       sync.Mutex
	id       protocol.ClientID
	name     string
	helloed  bool
	sendDone bool
}

func newSession(room *Room, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		room:   room,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// ID returns the assigned client id, or "" before HELLO completes.
func (s *Session) ID() protocol.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the client display name, or "" before HELLO completes.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) handshaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.helloed
}

func (s *Session) completeHandshake(id protocol.ClientID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helloed {
		return false
	}
	s.id = id
	s.name = name
	s.helloed = true
	return true
}

// sendFrame queues one server frame for the write pump. A full buffer
// drops the frame rather than blocking the room.
func (s *Session) sendFrame(frame protocol.ServerFrame) {
	data, err := protocol.EncodeServerFrame(frame)
	if err != nil {
		s.logger.Error("encoding server frame failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("dropping frame, session buffer full", "clientId", s.id)
	}
}

// closeNormal asks the write pump to finish with a normal close code. Used
// for LEAVE; cleanup happens in the read pump's teardown like any other
// disconnect.
func (s *Session) closeNormal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return
	}
	s.sendDone = true
	close(s.send)
}

// readPump pumps inbound frames into the room until the connection drops.
func (s *Session) readPump() {
	defer func() {
		s.room.removeSession(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "clientId", s.ID(), "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))

		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			// Protocol errors drop the frame, never the connection.
			s.logger.Warn("dropping invalid client frame", "clientId", s.ID(), "error", err)
			s.sendFrame(protocol.NewServerError("Invalid message"))
			continue
		}

		if done := s.room.handleFrame(s, frame); done {
			return
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with
// websocket pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", "clientId", s.ID(), "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
