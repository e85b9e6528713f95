package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rtchat/auth"
	"rtchat/db"
	"rtchat/models"
	"rtchat/protocol"
)

const testSecret = "server-test-secret"

// setupTestServer creates a server backed by a temporary database with
// alice, bob and carol. alice and bob list each other as contacts.
func setupTestServer(t *testing.T) (*Server, *db.SQLiteStore) {
	t.Helper()
	return setupTestServerWith(t, nil, nil)
}

// setupTestServerWith is setupTestServer with an optional store wrapper
// and config adjustments applied before the server is built.
func setupTestServerWith(t *testing.T, wrap func(db.Store) db.Store, configure func(*ServerConfig)) (*Server, *db.SQLiteStore) {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.CreateUser(ctx, id, strings.ToUpper(id[:1])+id[1:]); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}
	store.AddContact(ctx, "alice", "bob", "")
	store.AddContact(ctx, "bob", "alice", "")

	config := &ServerConfig{
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		SendQueueSize:    16,
		MaxContentLength: 4096,
		RedeliverPending: true,
		AllowedOrigins:   []string{"*"},
	}
	if configure != nil {
		configure(config)
	}
	var backend db.Store = store
	if wrap != nil {
		backend = wrap(store)
	}
	srv := New(backend, auth.NewJWTVerifier(testSecret), config, zerolog.Nop())

	t.Cleanup(func() {
		srv.Shutdown("test", time.Time{})
		store.Close()
	})
	return srv, store
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// testClient is the client end of a net.Pipe served by handleConnection.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func (c *testClient) send(request string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(request + "\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", request, err)
	}
}

func (c *testClient) read() string {
	c.t.Helper()
	line, err := c.readErr()
	if err != nil {
		c.t.Fatalf("Failed to read response: %v", err)
	}
	return line
}

func (c *testClient) readErr() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	if got := c.read(); got != want {
		c.t.Errorf("Expected %q, got %q", want, got)
	}
}

func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	got := c.read()
	if !strings.HasPrefix(got, prefix) {
		c.t.Errorf("Expected %s..., got %q", prefix, got)
	}
	return got
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	if line, err := c.readErr(); err == nil {
		c.t.Errorf("Expected connection to be closed, got %q", line)
	}
}

func (c *testClient) login(userID string) {
	c.t.Helper()
	c.send("auth|" + tokenFor(c.t, userID))
	c.expect("ok|auth|" + userID)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func openConns(srv *Server) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.conns)
}

func TestPing(t *testing.T) {
	srv, _ := setupTestServer(t)
	client := connect(t, srv)

	client.send("ping")
	client.expect("pong")
}

func TestAuth(t *testing.T) {
	srv, _ := setupTestServer(t)

	client := connect(t, srv)
	client.login("alice")
	if !srv.registry.IsOnline("alice") {
		t.Error("alice is not registered after auth")
	}

	// same identity again is acknowledged without a second session
	client.send("auth|" + tokenFor(t, "alice"))
	client.expect("ok|auth|alice")
	if srv.registry.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", srv.registry.Len())
	}

	// switching identity on a live connection is refused
	client.send("auth|" + tokenFor(t, "bob"))
	client.expectPrefix("fail|auth|authentication|")
	client.expectClosed()
}

func TestAuthInvalidToken(t *testing.T) {
	srv, _ := setupTestServer(t)
	client := connect(t, srv)

	client.send("auth|not-a-token")
	client.expect("fail|auth|authentication|authentication failed")
	client.expectClosed()

	if srv.registry.Len() != 0 {
		t.Error("failed authentication mutated the registry")
	}
}

func TestAuthUnknownUser(t *testing.T) {
	srv, _ := setupTestServer(t)
	client := connect(t, srv)

	client.send("auth|" + tokenFor(t, "mallory"))
	client.expectPrefix("fail|auth|authentication|")
	client.expectClosed()
}

func TestUnauthenticatedAccess(t *testing.T) {
	srv, store := setupTestServer(t)
	client := connect(t, srv)

	client.send("msg|bob|hello")
	client.expectPrefix("fail|auth|authentication|")
	client.expectClosed()

	pending, _ := store.PendingMessages(context.Background(), "bob", 10)
	if len(pending) != 0 {
		t.Error("unauthenticated send was persisted")
	}
}

func TestMessageDeliveryScenario(t *testing.T) {
	srv, store := setupTestServer(t)

	alice := connect(t, srv)
	alice.login("alice")

	bob := connect(t, srv)
	bob.login("bob")
	alice.expectPrefix("on|bob|")

	alice.send("msg|bob|hi")

	pushed := strings.Split(bob.expectPrefix("msg|"), "|")
	if len(pushed) != 5 || pushed[2] != "alice" || pushed[3] != "hi" {
		t.Fatalf("Unexpected push: %v", pushed)
	}

	ack := strings.Split(alice.expectPrefix("ok|msg|"), "|")
	if len(ack) != 5 || ack[2] != pushed[1] || ack[4] != "Delivered" {
		t.Fatalf("Unexpected ack: %v", ack)
	}

	bob.send("bye")
	bob.expect("bye")
	alice.expectPrefix("off|bob|")

	alice.send("msg|bob|still there?")
	ack = strings.Split(alice.expectPrefix("ok|msg|"), "|")
	if len(ack) != 5 || ack[4] != "Pending" {
		t.Fatalf("Unexpected ack: %v", ack)
	}

	msg, err := store.GetMessage(context.Background(), ack[2])
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryState != models.Pending || msg.Content != "still there?" {
		t.Errorf("Unexpected stored message: %+v", msg)
	}

	user, _ := store.GetUser(context.Background(), "bob")
	if user.LastSeen.IsZero() {
		t.Error("lastSeen was not recorded for bob")
	}
}

func TestMessageValidation(t *testing.T) {
	srv, _ := setupTestServer(t)
	alice := connect(t, srv)
	alice.login("alice")

	alice.send("msg|bob|   ")
	alice.expectPrefix("fail|msg|validation|")

	alice.send("msg|nobody|hello")
	alice.expect("fail|msg|not_found|user nobody not found")

	// the connection survives request errors
	alice.send("ping")
	alice.expect("pong")
}

func TestEscapeCharacters(t *testing.T) {
	srv, _ := setupTestServer(t)

	alice := connect(t, srv)
	alice.login("alice")
	bob := connect(t, srv)
	bob.login("bob")
	alice.expectPrefix("on|bob|")

	content := "a|b,c\\d\ne"
	alice.send("msg|bob|" + protocol.Escape(content))

	pkt, err := protocol.ParsePacket(bob.expectPrefix("msg|") + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkt.Fields) != 3 || pkt.Fields[1] != content {
		t.Errorf("Content mangled: %q", pkt.Fields)
	}
	alice.expectPrefix("ok|msg|")
}

func TestMarkRead(t *testing.T) {
	srv, store := setupTestServer(t)

	alice := connect(t, srv)
	alice.login("alice")
	alice.send("msg|carol|hello carol")
	ack := strings.Split(alice.expectPrefix("ok|msg|"), "|")
	id := ack[2]

	// only the receiver may mark it
	alice.send("read|" + id)
	alice.expectPrefix("fail|read|not_found|")

	carol := connect(t, srv)
	carol.login("carol")
	carol.expectPrefix("msg|" + id + "|alice|hello carol|")

	carol.send("read|" + id)
	carol.expect("ok|read|" + id)
	carol.send("read|" + id)
	carol.expect("ok|read|" + id)

	carol.send("read|missing")
	carol.expectPrefix("fail|read|not_found|")

	msg, _ := store.GetMessage(context.Background(), id)
	if msg.DeliveryState != models.Read {
		t.Errorf("Expected Read, got %s", msg.DeliveryState)
	}
}

func TestPendingRedelivery(t *testing.T) {
	srv, store := setupTestServer(t)

	alice := connect(t, srv)
	alice.login("alice")
	var ids []string
	for _, text := range []string{"first", "second"} {
		alice.send("msg|carol|" + text)
		ack := strings.Split(alice.expectPrefix("ok|msg|"), "|")
		ids = append(ids, ack[2])
	}

	carol := connect(t, srv)
	carol.login("carol")
	carol.expectPrefix("msg|" + ids[0] + "|alice|first|")
	carol.expectPrefix("msg|" + ids[1] + "|alice|second|")

	for _, id := range ids {
		msg, _ := store.GetMessage(context.Background(), id)
		if msg.DeliveryState != models.Delivered {
			t.Errorf("%s: expected Delivered, got %s", id, msg.DeliveryState)
		}
	}
}

func TestSupersededSessionDoesNotGoOffline(t *testing.T) {
	srv, _ := setupTestServer(t)

	bob := connect(t, srv)
	bob.login("bob")

	first := connect(t, srv)
	first.login("alice")
	bob.expectPrefix("on|alice|")

	second := connect(t, srv)
	second.login("alice")
	bob.expectPrefix("on|alice|")

	// the superseded connection is still open
	first.send("ping")
	first.expect("pong")

	first.conn.Close()
	waitFor(t, "superseded connection to close", func() bool { return openConns(srv) == 2 })

	if !srv.registry.IsOnline("alice") {
		t.Fatal("alice went offline when the superseded connection closed")
	}
	bob.send("ping")
	bob.expect("pong")
}

func TestIdleTimeout(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.config.ReadTimeout = 200 * time.Millisecond

	client := connect(t, srv)
	client.expect("bye|timeout")
	client.expectClosed()
}

func TestShutdown(t *testing.T) {
	srv, _ := setupTestServer(t)

	alice := connect(t, srv)
	alice.login("alice")
	bob := connect(t, srv)
	bob.login("bob")
	alice.expectPrefix("on|bob|")

	if got := srv.GetStats(); got != "connections=2,sessions=2,users=alice;bob" {
		t.Errorf("Unexpected stats: %q", got)
	}

	until := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		srv.Shutdown("maintenance", until)
		close(done)
	}()

	bob.expect("bye|maintenance|2024-06-01T12:00:00Z")
	// alice may see bob go offline before her own bye
	line := alice.read()
	if strings.HasPrefix(line, "off|bob|") {
		line = alice.read()
	}
	if line != "bye|maintenance|2024-06-01T12:00:00Z" {
		t.Errorf("Expected bye, got %q", line)
	}
	for {
		if _, err := alice.readErr(); err != nil {
			break
		}
	}
	bob.expectClosed()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	if srv.registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d sessions", srv.registry.Len())
	}

	// new connections are refused
	late := connect(t, srv)
	late.expectClosed()
}

// blockingTransport never completes a write.
type blockingTransport struct{}

func (blockingTransport) WriteFrame([]byte, time.Time) error { select {} }
func (blockingTransport) Ping(time.Time) error             { return nil }
func (blockingTransport) Close() error                     { return nil }
func (blockingTransport) RemoteAddr() string               { return "test" }

func TestPushIsBestEffort(t *testing.T) {
	cfg := &ServerConfig{SendQueueSize: 1, WriteTimeout: time.Second}
	c := newConn("tcp", protocol.LineCodec{}, blockingTransport{}, cfg, zerolog.Nop())

	if err := c.Push(protocol.Pong{}); err != nil {
		t.Fatalf("First push failed: %v", err)
	}
	if err := c.Push(protocol.Pong{}); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("Expected ErrSendQueueFull, got %v", err)
	}

	c.Close()
	if err := c.Push(protocol.Pong{}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Expected ErrConnClosed, got %v", err)
	}
}

func TestWebSocket(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	type envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	readEvent := func() envelope {
		t.Helper()
		var ev envelope
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		return ev
	}

	ws.WriteJSON(map[string]any{"type": "authenticate", "data": map[string]string{"token": tokenFor(t, "alice")}})
	ev := readEvent()
	if ev.Type != protocol.EventAuthenticated || ev.Data["userId"] != "alice" {
		t.Fatalf("Unexpected event: %+v", ev)
	}

	ws.WriteJSON(map[string]any{"type": "send-message", "data": map[string]string{"receiverId": "carol", "content": "hi"}})
	ev = readEvent()
	if ev.Type != protocol.EventMessageSent || ev.Data["deliveryState"] != "Pending" || ev.Data["receiverId"] != "carol" {
		t.Fatalf("Unexpected ack: %+v", ev)
	}

	ws.WriteJSON(map[string]any{"type": "mark-read", "data": map[string]string{"messageId": "missing"}})
	ev = readEvent()
	if ev.Type != protocol.EventError || ev.Data["kind"] != "not_found" || ev.Data["op"] != "mark-read" {
		t.Fatalf("Unexpected error event: %+v", ev)
	}

	// a line-protocol contact coming online is announced over the WebSocket
	bob := connect(t, srv)
	bob.login("bob")
	ev = readEvent()
	if ev.Type != protocol.EventPresenceChanged || ev.Data["subjectId"] != "bob" || ev.Data["online"] != true {
		t.Fatalf("Unexpected presence event: %+v", ev)
	}

	ws.WriteJSON(map[string]any{"type": "ping"})
	if ev = readEvent(); ev.Type != protocol.EventPong {
		t.Errorf("Expected pong, got %+v", ev)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

// pausingStore holds the next UpdateLastSeen call once armed, until release
// is closed.
type pausingStore struct {
	db.Store
	armed   atomic.Bool
	entered chan string
	release chan struct{}
}

func (p *pausingStore) UpdateLastSeen(ctx context.Context, id string, t time.Time) error {
	if p.armed.CompareAndSwap(true, false) {
		p.entered <- id
		<-p.release
	}
	return p.Store.UpdateLastSeen(ctx, id, t)
}

func TestReconnectDuringOfflineAnnouncement(t *testing.T) {
	paused := &pausingStore{entered: make(chan string, 1), release: make(chan struct{})}
	srv, _ := setupTestServerWith(t, func(s db.Store) db.Store {
		paused.Store = s
		return paused
	}, nil)

	bob := connect(t, srv)
	bob.login("bob")

	first := connect(t, srv)
	first.login("alice")
	bob.expectPrefix("on|alice|")

	// the old connection drops and its offline write stalls
	paused.armed.Store(true)
	first.conn.Close()
	select {
	case id := <-paused.entered:
		if id != "alice" {
			t.Fatalf("Paused lastSeen write for %q, want alice", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Offline announcement never reached the store")
	}

	second := connect(t, srv)
	second.login("alice")
	close(paused.release)

	bob.expectPrefix("off|alice|")
	bob.expectPrefix("on|alice|")

	if !srv.registry.IsOnline("alice") {
		t.Error("alice is not online after reconnecting")
	}
	bob.send("ping")
	bob.expect("pong")
}

func TestReauthenticateSupersededConnection(t *testing.T) {
	srv, _ := setupTestServer(t)

	bob := connect(t, srv)
	bob.login("bob")

	first := connect(t, srv)
	first.login("alice")
	bob.expectPrefix("on|alice|")

	second := connect(t, srv)
	second.login("alice")
	bob.expectPrefix("on|alice|")

	// the superseded connection takes the session back
	first.login("alice")
	bob.expectPrefix("on|alice|")

	bob.send("msg|alice|who is live?")
	first.expectPrefix("msg|")
	bob.expectPrefix("ok|msg|")

	second.send("ping")
	second.expect("pong")
	if srv.registry.Len() != 2 {
		t.Errorf("Expected 2 sessions, got %d", srv.registry.Len())
	}
}

func TestPendingBacklogLargerThanSendQueue(t *testing.T) {
	srv, store := setupTestServerWith(t, nil, func(cfg *ServerConfig) {
		cfg.SendQueueSize = 2
	})

	alice := connect(t, srv)
	alice.login("alice")
	var ids []string
	for i := 0; i < 6; i++ {
		alice.send("msg|carol|backlog")
		ack := strings.Split(alice.expectPrefix("ok|msg|"), "|")
		ids = append(ids, ack[2])
	}

	carol := connect(t, srv)
	carol.login("carol")
	for _, id := range ids {
		carol.expectPrefix("msg|" + id + "|alice|backlog|")
	}

	pending, err := store.PendingMessages(context.Background(), "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("%d messages left Pending", len(pending))
	}
}

func dialWebSocket(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

type wsEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readWSEvent(t *testing.T, ws *websocket.Conn) wsEvent {
	t.Helper()
	var ev wsEvent
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

func TestWebSocketContentLimits(t *testing.T) {
	srv, _ := setupTestServer(t)
	ws := dialWebSocket(t, srv)

	ws.WriteJSON(map[string]any{"type": "authenticate", "data": map[string]string{"token": tokenFor(t, "alice")}})
	if ev := readWSEvent(t, ws); ev.Type != protocol.EventAuthenticated {
		t.Fatalf("Unexpected event: %+v", ev)
	}

	// within the content limit, but the JSON frame is several times larger
	escaped := strings.Repeat("\"", 3000) + strings.Repeat("\x01", 1000)
	ws.WriteJSON(map[string]any{"type": "send-message", "data": map[string]string{"receiverId": "carol", "content": escaped}})
	if ev := readWSEvent(t, ws); ev.Type != protocol.EventMessageSent {
		t.Fatalf("Expected ack for escaped content, got %+v", ev)
	}

	ws.WriteJSON(map[string]any{"type": "send-message", "data": map[string]string{"receiverId": "carol", "content": strings.Repeat("x", 5000)}})
	ev := readWSEvent(t, ws)
	if ev.Type != protocol.EventError || ev.Data["kind"] != "validation" || ev.Data["op"] != "send-message" {
		t.Fatalf("Expected validation error, got %+v", ev)
	}

	// the socket stays open
	ws.WriteJSON(map[string]any{"type": "ping"})
	if ev := readWSEvent(t, ws); ev.Type != protocol.EventPong {
		t.Errorf("Expected pong, got %+v", ev)
	}
}
