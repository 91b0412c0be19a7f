// Package wsclient implements a resilient websocket channel: a duplex
// connection that reconnects with capped exponential backoff after
// unexpected drops and reports its lifecycle through typed events.
//
// Two independent retry budgets apply: a small one while the first
// connection is being established (a failure there usually means a bad URL
// or room, not a transient blip) and a larger one for drops after the
// channel has been connected at least once.
package wsclient

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ErrNotOpen is returned by Send when the channel is not connected. The
// channel never queues application frames silently.
var ErrNotOpen = errors.New("wsclient: channel is not open")

// EventKind discriminates channel events.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventReconnecting
	EventDisconnected
	EventClosed
	EventMessage
	EventError
)

// Event is one channel lifecycle or inbound-data notification.
type Event struct {
	Kind    EventKind
	Delay   time.Duration // EventReconnecting: wait before the next attempt
	Attempt int           // EventReconnecting: 1-based attempt number
	Reason  string        // EventDisconnected: terminating cause
	Data    []byte        // EventMessage: raw frame
	Err     error         // EventError
}

// Options configures a Channel.
type Options struct {
	URL             string
	MaxRetries      int           // retry budget after a post-connection drop
	MaxFirstRetries int           // retry budget for the initial connection
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

const (
	defaultMaxRetries      = 3
	defaultMaxFirstRetries = 1
	defaultBaseBackoff     = time.Second
	defaultMaxBackoff      = 30 * time.Second
)

// Channel is a reconnecting websocket connection. All methods are safe for
// concurrent use.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	generation   int  // invalidates read loops of torn-down sockets
	everConnect  bool // switches the retry budget after the first success
	retryCount   int
	retryTimer   *time.Timer

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a Channel in the disconnected state.
func New(opts Options) *Channel {
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
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:   opts,
		logger: logger,
		state:  StateDisconnected,
		subs:   make(map[int]func(Event)),
	}
}

// Subscribe registers an event callback. The returned function removes it;
// calling it more than once is harmless.
func (c *Channel) Subscribe(fn func(Event)) func() {
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

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection attempt. It is a no-op unless the channel
// is in the disconnected state.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retryCount = 0
	c.everConnect = false
	c.state = StateConnecting
	generation := c.generation
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnecting})
	go c.dial(generation)
}

// Send writes a text frame. It fails with ErrNotOpen when the channel is
// not connected.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	c.mu.Unlock()

	// gorilla permits one concurrent writer per connection.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the channel down. It is terminal and idempotent: any pending
// reconnect timer is cancelled, the socket is closed, subscribers receive a
// final closed event, and all handlers are released.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"), deadline)
		c.writeMu.Unlock()
		conn.Close()
	}

	c.emit(Event{Kind: EventClosed})

	c.subMu.Lock()
	c.subs = make(map[int]func(Event))
	c.subMu.Unlock()
}

// dial attempts one websocket connection for the given socket generation.
func (c *Channel) dial(generation int) {
	conn, resp, err := c.opts.Dialer.Dial(c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.state == StateClosed || generation != c.generation {
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("websocket dial failed", "url", c.opts.URL, "error", err)
		c.emit(Event{Kind: EventError, Err: err})
		c.handleDrop(err.Error())
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.retryCount = 0
	c.everConnect = true
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnected})
	go c.readLoop(conn, generation)
}

// readLoop pumps inbound frames until the socket drops.
func (c *Channel) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.state == StateClosed || generation != c.generation
			if !stale {
				c.conn = nil
			}
			c.mu.Unlock()
			if !stale {
				c.handleDrop(err.Error())
			}
			return
		}
		c.emit(Event{Kind: EventMessage, Data: data})
	}
}

// handleDrop schedules a reconnect attempt, or transitions to disconnected
// once the applicable retry budget is exhausted.
func (c *Channel) handleDrop(reason string) {
	c.mu.Lock()
	if c.state == StateClosed || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}

	budget := c.opts.MaxRetries
	if !c.everConnect {
		budget = c.opts.MaxFirstRetries
	}

	if c.retryCount >= budget {
		c.state = StateDisconnected
		c.generation++
		c.mu.Unlock()
		c.logger.Warn("websocket retries exhausted", "reason", reason)
		c.emit(Event{Kind: EventDisconnected, Reason: reason})
		return
	}

	delay := backoffDelay(c.opts.BaseBackoff, c.opts.MaxBackoff, c.retryCount)
	attempt := c.retryCount + 1

	if c.everConnect {
		c.state = StateReconnecting
	} else {
		c.state = StateConnecting
	}

	generation := c.generation
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		if c.state == StateClosed || generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.retryCount++
		if c.state == StateReconnecting {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		c.dial(generation)
	})
	c.mu.Unlock()

	c.logger.Info("websocket reconnecting", "delay", delay, "attempt", attempt, "reason", reason)
	c.emit(Event{Kind: EventReconnecting, Delay: delay, Attempt: attempt})
}

func (c *Channel) emit(event Event) {
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
