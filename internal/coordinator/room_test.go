package coordinator

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := NewRegistry(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	router := gin.New()
	router.GET("/ws", registry.HandleWebSocket)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, registry
}

// testClient is one websocket connection to the test coordinator.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server, roomID string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?roomId=" + roomID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frame protocol.ClientFrame) {
	c.t.Helper()
	data, err := protocol.EncodeClientFrame(frame)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads and decodes one server frame.
func (c *testClient) next() protocol.ServerFrame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	frame, err := protocol.DecodeServerFrame(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return frame
}

// expectNone asserts no frame arrives within the wait.
func (c *testClient) expectNone(wait time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected frame %q", data)
	}
}

// join completes the handshake and returns the WELCOME payload.
func (c *testClient) join(name string) protocol.WelcomePayload {
	c.t.Helper()
	c.send(protocol.NewHello(name))
	frame := c.next()
	welcome, ok := frame.(protocol.Welcome)
	if !ok {
		c.t.Fatalf("got %T, want Welcome", frame)
	}
	return welcome.Payload
}

func testBlob() protocol.EncryptedBlob {
	return protocol.EncryptedBlob{IV: "aXY=", Ciphertext: "Y3Q=", Salt: "c2FsdA=="}
}

func TestJoinAndLeaveBroadcast(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	xWelcome := x.join("X")
	if xWelcome.ClientID == "" {
		t.Fatal("no client id assigned")
	}
	if len(xWelcome.Clients) != 0 {
		t.Fatalf("first member saw roster %v", xWelcome.Clients)
	}

	y := dial(t, server, "family-room")
	yWelcome := y.join("Y")
	if len(yWelcome.Clients) != 1 || yWelcome.Clients[0].ID != xWelcome.ClientID || yWelcome.Clients[0].Name != "X" {
		t.Fatalf("second member saw roster %v", yWelcome.Clients)
	}
	if yWelcome.ClientID == xWelcome.ClientID {
		t.Fatal("client ids are not unique")
	}

	joined, ok := x.next().(protocol.ClientJoined)
	if !ok || joined.Payload.ID != yWelcome.ClientID || joined.Payload.Name != "Y" {
		t.Fatalf("join announcement %+v", joined)
	}

	y.conn.Close()
	left, ok := x.next().(protocol.ClientLeft)
	if !ok || left.Payload.ID != yWelcome.ClientID || left.Payload.Name != "Y" {
		t.Fatalf("leave announcement %+v", left)
	}
}

func TestPreHelloRejection(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")

	intruder := dial(t, server, "family-room")
	intruder.send(protocol.NewRelayBroadcast(nil, testBlob()))
	serverError, ok := intruder.next().(protocol.ServerError)
	if !ok {
		t.Fatal("pre-HELLO broadcast not rejected")
	}
	if serverError.Payload.Message == "" {
		t.Fatal("rejection without message")
	}

	intruder.send(protocol.NewPing())
	if _, ok := intruder.next().(protocol.ServerError); !ok {
		t.Fatal("pre-HELLO ping not rejected")
	}

	// The rejected frames must not have reached or mutated the room.
	x.expectNone(200 * time.Millisecond)

	// The connection survives and can still complete the handshake.
	welcome := intruder.join("Late")
	if len(welcome.Clients) != 1 {
		t.Fatalf("post-rejection roster %v", welcome.Clients)
	}
}

func TestPingPongAfterHello(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")
	x.send(protocol.NewPing())
	if _, ok := x.next().(protocol.Pong); !ok {
		t.Fatal("ping not answered with pong")
	}
}

func TestDuplicateHelloIgnored(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")

	// Frames are processed in order, so a PONG arriving next proves the
	// duplicate HELLO produced no WELCOME.
	x.send(protocol.NewHello("X-again"))
	x.send(protocol.NewPing())
	if _, ok := x.next().(protocol.Pong); !ok {
		t.Fatal("duplicate HELLO produced a response")
	}
}

func TestRelayBroadcastToAll(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	xID := x.join("X").ClientID
	y := dial(t, server, "family-room")
	y.join("Y")
	z := dial(t, server, "family-room")
	z.join("Z")
	x.next() // Y joined
	x.next() // Z joined
	y.next() // Z joined

	blob := testBlob()
	x.send(protocol.NewRelayBroadcast(nil, blob))

	for _, member := range []*testClient{y, z} {
		relayed, ok := member.next().(protocol.RelayedBroadcast)
		if !ok {
			t.Fatal("broadcast not delivered")
		}
		if relayed.SenderID != xID || relayed.Payload != blob {
			t.Fatalf("relayed frame %+v", relayed)
		}
	}
	// The sender never hears its own broadcast.
	x.expectNone(200 * time.Millisecond)
}

func TestRelayBroadcastHonorsTargets(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	xID := x.join("X").ClientID
	y := dial(t, server, "family-room")
	yID := y.join("Y").ClientID
	z := dial(t, server, "family-room")
	z.join("Z")
	x.next()
	x.next()
	y.next()

	x.send(protocol.NewRelayBroadcast([]protocol.ClientID{yID}, testBlob()))

	relayed, ok := y.next().(protocol.RelayedBroadcast)
	if !ok || relayed.SenderID != xID {
		t.Fatalf("targeted broadcast %+v", relayed)
	}
	z.expectNone(200 * time.Millisecond)
}

func TestRelaySendDelivery(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	xID := x.join("X").ClientID
	y := dial(t, server, "family-room")
	yID := y.join("Y").ClientID
	x.next()

	blob := testBlob()
	x.send(protocol.NewRelaySend(yID, blob))

	relayed, ok := y.next().(protocol.RelayedSend)
	if !ok {
		t.Fatal("targeted send not delivered")
	}
	if relayed.SenderID != xID || relayed.Payload != blob {
		t.Fatalf("relayed frame %+v", relayed)
	}
}

func TestRelaySendMissingTarget(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")
	y := dial(t, server, "family-room")
	y.join("Y")
	x.next()

	x.send(protocol.NewRelaySend("nobody-home", testBlob()))
	serverError, ok := x.next().(protocol.ServerError)
	if !ok {
		t.Fatal("missing target not answered with error")
	}
	if serverError.Payload.Message != "Target client not found" {
		t.Fatalf("error message %q", serverError.Payload.Message)
	}
	y.expectNone(200 * time.Millisecond)
}

func TestLeaveClosesConnection(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")
	y := dial(t, server, "family-room")
	yWelcome := y.join("Y")
	x.next()

	y.send(protocol.NewLeave())

	left, ok := x.next().(protocol.ClientLeft)
	if !ok || left.Payload.ID != yWelcome.ClientID {
		t.Fatalf("leave announcement %+v", left)
	}

	y.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := y.conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("leave close: got %v, want normal closure", err)
	}
}

func TestEmptyRoomIsDiscarded(t *testing.T) {
	server, registry := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")
	if _, ok := registry.Stats("family-room"); !ok {
		t.Fatal("room missing while occupied")
	}

	x.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := registry.Stats("family-room"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty room not discarded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinNotOrphanedByEmptyRoomDrop(t *testing.T) {
	registry := NewRegistry(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	session := registry.joinRoom("family-room", nil)

	// A last-member disconnect running its empty-room check while the new
	// session is still pending must see it and keep the room registered.
	registry.dropRoomIfEmpty(session.room)

	if _, ok := registry.Stats("family-room"); !ok {
		t.Fatal("room discarded while a pending session was attached")
	}
	if again := registry.joinRoom("family-room", nil); again.room != session.room {
		t.Fatal("second join attached to a different room instance")
	}
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	server, _ := newTestServer(t)

	x := dial(t, server, "family-room")
	x.join("X")

	if err := x.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := x.next().(protocol.ServerError); !ok {
		t.Fatal("malformed frame not answered with error")
	}

	x.send(protocol.NewPing())
	if _, ok := x.next().(protocol.Pong); !ok {
		t.Fatal("connection dead after malformed frame")
	}
}

func TestRejectsBadRoomID(t *testing.T) {
	server, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?roomId=abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("short room id accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response %+v", resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
}
