// Package signaling implements the client side of the coordinator
// protocol: the handshake, the heartbeat, roster tracking, and delivery of
// opaque relay payloads. It rides on a resilient websocket channel and
// re-runs the handshake automatically after every reconnect.
package signaling

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
	"github.com/mossy-p/clipboard-sync/internal/wsclient"
)

// Status mirrors the underlying channel state for consumers that only care
// about connectivity.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// EventKind discriminates signaling events.
type EventKind int

const (
	EventStatus EventKind = iota
	EventWelcome
	EventClientJoined
	EventClientLeft
	EventRelay
	EventServerError
)

// Event is one typed signaling notification.
type Event struct {
	Kind     EventKind
	Status   Status                 // EventStatus
	ClientID protocol.ClientID      // EventWelcome: our assigned id
	Clients  []protocol.ClientInfo  // EventWelcome: roster excluding self
	Client   protocol.ClientInfo    // EventClientJoined / EventClientLeft
	SenderID protocol.ClientID      // EventRelay
	Payload  protocol.EncryptedBlob // EventRelay
	Message  string                 // EventServerError
}

// Config configures a signaling Client.
type Config struct {
	ServerURL    string // e.g. "wss://sync.example.com"
	RoomID       string
	ClientName   string
	PingInterval time.Duration
	Logger       *slog.Logger
}

const defaultPingInterval = 30 * time.Second

// Client is the signaling connection of one local node.
type Client struct {
	channel *wsclient.Channel
	logger  *slog.Logger
	config  Config

	mu       sync.Mutex
	clientID protocol.ClientID
	roster   map[protocol.ClientID]string
	pingStop chan struct{}
	closed   bool

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// BuildURL derives the websocket endpoint from the configured server URL
// and room id.
func BuildURL(serverURL, roomID string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = parsed.Path + "/ws"
	query := parsed.Query()
	query.Set("roomId", roomID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// NewClient creates a signaling client. Connect must be called to start it.
func NewClient(config Config) (*Client, error) {
	roomID, err := protocol.ValidateRoomID(config.RoomID)
	if err != nil {
		return nil, err
	}
	config.RoomID = roomID

	name, err := protocol.ValidateClientName(config.ClientName)
	if err != nil {
		return nil, err
	}
	config.ClientName = name

	if config.PingInterval <= 0 {
		config.PingInterval = defaultPingInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	endpoint, err := BuildURL(config.ServerURL, config.RoomID)
	if err != nil {
		return nil, err
	}

	client := &Client{
		logger: config.Logger,
		config: config,
		roster: make(map[protocol.ClientID]string),
		subs:   make(map[int]func(Event)),
	}
	client.channel = wsclient.New(wsclient.Options{
		URL:    endpoint,
		Logger: config.Logger,
	})
	client.channel.Subscribe(client.handleChannelEvent)
	return client, nil
}

// Subscribe registers an event callback and returns its removal function.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Connect starts the underlying channel.
func (c *Client) Connect() {
	c.channel.Connect()
}

// Close sends LEAVE when possible and tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if frame, err := protocol.EncodeClientFrame(protocol.NewLeave()); err == nil {
		_ = c.channel.Send(frame) // best effort: the close below cleans up either way
	}
	c.stopHeartbeat()
	c.channel.Close()
}

// Send encodes and transmits a client frame. Fails with wsclient.ErrNotOpen
// when the connection is down.
func (c *Client) Send(frame protocol.ClientFrame) error {
	data, err := protocol.EncodeClientFrame(frame)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", frame, err)
	}
	return c.channel.Send(data)
}

// ClientID returns the coordinator-assigned id, or "" before WELCOME.
func (c *Client) ClientID() protocol.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Roster returns the known room members, excluding the local client.
func (c *Client) Roster() []protocol.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	roster := make([]protocol.ClientInfo, 0, len(c.roster))
	for id, name := range c.roster {
		roster = append(roster, protocol.ClientInfo{ID: id, Name: name})
	}
	return roster
}

func (c *Client) handleChannelEvent(event wsclient.Event) {
	switch event.Kind {
	case wsclient.EventConnected:
		c.logger.Info("signaling connected", "room", c.config.RoomID)
		if err := c.Send(protocol.NewHello(c.config.ClientName)); err != nil {
			c.logger.Error("sending HELLO failed", "error", err)
		}
		c.startHeartbeat()
		c.emit(Event{Kind: EventStatus, Status: StatusConnected})

	case wsclient.EventConnecting:
		c.emit(Event{Kind: EventStatus, Status: StatusConnecting})

	case wsclient.EventReconnecting:
		c.stopHeartbeat()
		c.emit(Event{Kind: EventStatus, Status: StatusReconnecting})

	case wsclient.EventDisconnected:
		c.stopHeartbeat()
		c.resetSession()
		c.emit(Event{Kind: EventStatus, Status: StatusDisconnected})

	case wsclient.EventClosed:
		c.stopHeartbeat()
		c.resetSession()
		c.emit(Event{Kind: EventStatus, Status: StatusClosed})

	case wsclient.EventMessage:
		c.handleFrame(event.Data)
	}
}

// handleFrame validates and dispatches one inbound server frame. Malformed
// frames are dropped with a warning; they never take the channel down.
func (c *Client) handleFrame(data []byte) {
	frame, err := protocol.DecodeServerFrame(data)
	if err != nil {
		c.logger.Warn("dropping invalid server frame", "error", err)
		return
	}

	switch frame := frame.(type) {
	case protocol.Welcome:
		c.mu.Lock()
		c.clientID = frame.Payload.ClientID
		c.roster = make(map[protocol.ClientID]string, len(frame.Payload.Clients))
		for _, info := range frame.Payload.Clients {
			c.roster[info.ID] = info.Name
		}
		c.mu.Unlock()
		c.logger.Info("joined room", "clientId", frame.Payload.ClientID, "members", len(frame.Payload.Clients))
		c.emit(Event{Kind: EventWelcome, ClientID: frame.Payload.ClientID, Clients: frame.Payload.Clients})

	case protocol.Pong:
		// Heartbeat acknowledged.

	case protocol.ClientJoined:
		c.mu.Lock()
		c.roster[frame.Payload.ID] = frame.Payload.Name
		c.mu.Unlock()
		c.logger.Info("client joined", "clientId", frame.Payload.ID, "name", frame.Payload.Name)
		c.emit(Event{Kind: EventClientJoined, Client: frame.Payload})

	case protocol.ClientLeft:
		c.mu.Lock()
		delete(c.roster, frame.Payload.ID)
		c.mu.Unlock()
		c.logger.Info("client left", "clientId", frame.Payload.ID, "name", frame.Payload.Name)
		c.emit(Event{Kind: EventClientLeft, Client: frame.Payload})

	case protocol.RelayedBroadcast:
		c.emit(Event{Kind: EventRelay, SenderID: frame.SenderID, Payload: frame.Payload})

	case protocol.RelayedSend:
		c.emit(Event{Kind: EventRelay, SenderID: frame.SenderID, Payload: frame.Payload})

	case protocol.ServerError:
		c.logger.Warn("server error", "message", frame.Payload.Message)
		c.emit(Event{Kind: EventServerError, Message: frame.Payload.Message})
	}
}

func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.pingStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pingStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Send(protocol.NewPing()); err != nil {
					c.logger.Debug("heartbeat send failed", "error", err)
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.clientID = ""
	c.roster = make(map[protocol.ClientID]string)
	c.mu.Unlock()
}

func (c *Client) emit(event Event) {
	c.subMu.Lock()
	callbacks := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		callbacks = append(callbacks, fn)
	}
	c.subMu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}
