package chatup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// hubServer is a scripted channel endpoint for tests: it authenticates (or
// rejects) each connection, answers pings, and records every command the
// client sends.
type hubServer struct {
	t *testing.T

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []Command
	reject   bool
	tokens   []string
}

func newHubServer(t *testing.T) (*hubServer, *httptest.Server) {
	t.Helper()
	hub := &hubServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(hub.handle))
	t.Cleanup(srv.Close)
	return hub, srv
}

func (h *hubServer) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/hubs/chat") {
		http.NotFound(w, r)
		return
	}
	h.mu.Lock()
	h.tokens = append(h.tokens, r.URL.Query().Get("access_token"))
	reject := h.reject
	h.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()
	if reject {
		h.writeEnvelope(ctx, conn, EventAuthFailed, ErrorPayload{Message: "bad token"})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	h.writeEnvelope(ctx, conn, EventAuthenticated, AuthenticatedPayload{UserID: "me", Username: "hamza"})

	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		h.mu.Lock()
		h.commands = append(h.commands, cmd)
		h.mu.Unlock()

		if cmd.Type == CommandPing {
			h.writeEnvelope(ctx, conn, EventPong, PongPayload{RequestID: cmd.RequestID})
		}
	}
}

func (h *hubServer) writeEnvelope(ctx context.Context, conn *websocket.Conn, eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Errorf("marshal %s payload: %v", eventType, err)
		return
	}
	data, _ := json.Marshal(Envelope{Type: eventType, Payload: raw})
	conn.Write(ctx, websocket.MessageText, data)
}

// push sends an event over the most recent live connection.
func (h *hubServer) push(eventType string, payload interface{}) {
	h.mu.Lock()
	if len(h.conns) == 0 {
		h.mu.Unlock()
		h.t.Error("push with no live connection")
		return
	}
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	h.writeEnvelope(context.Background(), conn, eventType, payload)
}

// dropConnections force-closes every live connection, as a network failure
// would.
func (h *hubServer) dropConnections() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (h *hubServer) commandsOfType(cmdType string) []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Command
	for _, cmd := range h.commands {
		if cmd.Type == cmdType {
			out = append(out, cmd)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testChannelConfig() ChannelConfig {
	return ChannelConfig{
		Token:              "test-token",
		AutoReconnect:      true,
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  100 * time.Millisecond,
	}
}

func TestChannelConnectAuthenticates(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	var authedUser string
	connected := 0
	c.OnAuthenticated(func(p AuthenticatedPayload) {
		mu.Lock()
		authedUser = p.UserID
		mu.Unlock()
	})
	c.OnConnected(func() {
		mu.Lock()
		connected++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
	mu.Lock()
	if authedUser != "me" || connected != 1 {
		t.Fatalf("authedUser=%q connected=%d", authedUser, connected)
	}
	mu.Unlock()

	hub.mu.Lock()
	token := hub.tokens[0]
	hub.mu.Unlock()
	if token != "test-token" {
		t.Fatalf("token on wire = %q", token)
	}
}

func TestChannelConnectRejectedCredential(t *testing.T) {
	hub, srv := newHubServer(t)
	hub.reject = true
	c := NewChannelClient(srv.URL, testChannelConfig())

	err := c.Connect(context.Background())
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("Connect error = %v (%T), want *AuthError", err, err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestChannelConnectMissingToken(t *testing.T) {
	cfg := testChannelConfig()
	cfg.Token = ""
	c := NewChannelClient("http://example.invalid", cfg)

	if _, ok := c.Connect(context.Background()).(*AuthError); !ok {
		t.Fatal("want *AuthError for missing token")
	}
}

func TestChannelConnectDialFailure(t *testing.T) {
	c := NewChannelClient("http://127.0.0.1:1", testChannelConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	if _, ok := err.(*NetworkError); !ok {
		t.Fatalf("Connect error = %v (%T), want *NetworkError", err, err)
	}
}

func TestChannelSendWhileDisconnected(t *testing.T) {
	c := NewChannelClient("http://example.invalid", testChannelConfig())

	if err := c.SendMessage(context.Background(), SendMessagePayload{ConversationID: "conv-1"}); err != ErrNotConnected {
		t.Fatalf("SendMessage = %v, want ErrNotConnected", err)
	}
	if err := c.JoinConversation(context.Background(), "conv-1"); err != ErrNotConnected {
		t.Fatalf("JoinConversation = %v, want ErrNotConnected", err)
	}
	if err := c.MarkRead(context.Background(), "conv-1", []string{"m1"}); err != ErrNotConnected {
		t.Fatalf("MarkRead = %v, want ErrNotConnected", err)
	}
}

func TestChannelSendWhileReconnecting(t *testing.T) {
	c := NewChannelClient("http://example.invalid", testChannelConfig())
	c.setState(StateReconnecting)

	// Rejection is synchronous; no dial or write is ever attempted.
	if err := c.SendMessage(context.Background(), SendMessagePayload{ConversationID: "conv-1"}); err != ErrNotConnected {
		t.Fatalf("SendMessage = %v, want ErrNotConnected", err)
	}
}

func TestChannelEventDispatchOrder(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	var messages []string
	var typing []TypingPayload
	unread := map[string]int{}
	c.OnMessage(func(p MessagePayload) {
		mu.Lock()
		messages = append(messages, p.Message.ID)
		mu.Unlock()
	})
	c.OnTyping(func(p TypingPayload) {
		mu.Lock()
		typing = append(typing, p)
		mu.Unlock()
	})
	c.OnUnreadCount(func(convID string, count int) {
		mu.Lock()
		unread[convID] = count
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "m1", SenderID: "alice", CipherText: "eA==", IV: "plain"},
	})
	hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "m2", SenderID: "alice", CipherText: "eQ==", IV: "plain"},
	})
	hub.push(EventTyping, TypingPayload{ConversationID: "conv-1", UserID: "alice", IsTyping: true})
	hub.push(EventUnreadCount, UnreadCountPayload{ConversationID: "conv-1", Count: 2})

	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2 && len(typing) == 1 && unread["conv-1"] == 2
	})

	mu.Lock()
	defer mu.Unlock()
	// Dispatch is synchronous on the read loop, so arrival order holds.
	if messages[0] != "m1" || messages[1] != "m2" {
		t.Fatalf("messages = %v, want [m1 m2]", messages)
	}
}

func TestChannelMalformedPayloadDropped(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	var messages []string
	c.OnMessage(func(p MessagePayload) {
		mu.Lock()
		messages = append(messages, p.Message.ID)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// A payload of the wrong shape is dropped; the stream keeps flowing.
	hub.push(EventMessage, "not an object")
	hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "m1", SenderID: "alice"},
	})

	waitFor(t, "surviving message", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && messages[0] == "m1"
	})
}

func TestChannelPing(t *testing.T) {
	_, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pong.RequestID == "" {
		t.Fatal("pong without request id")
	}
}

func TestChannelCommandsOnWire(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	ctx := context.Background()
	if err := c.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	if err := c.MarkRead(ctx, "conv-1", []string{"m1", "m2"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := c.RequestUnreadSnapshot(ctx); err != nil {
		t.Fatalf("RequestUnreadSnapshot: %v", err)
	}

	waitFor(t, "commands on wire", func() bool {
		return len(hub.commandsOfType(CommandJoin)) == 1 &&
			len(hub.commandsOfType(CommandMarkRead)) == 1 &&
			len(hub.commandsOfType(CommandUnreadSnapshot)) == 1
	})
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	connected, disconnected, reconnecting := 0, 0, 0
	c.OnConnected(func() {
		mu.Lock()
		connected++
		mu.Unlock()
	})
	c.OnDisconnected(func(string) {
		mu.Lock()
		disconnected++
		mu.Unlock()
	})
	c.OnReconnecting(func(int, time.Duration) {
		mu.Lock()
		reconnecting++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	hub.dropConnections()

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected == 2 && disconnected >= 1 && reconnecting >= 1
	})
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}

	// Handler registrations survive the reconnect: push an event over the
	// fresh connection.
	var gotMsg bool
	c.OnMessage(func(MessagePayload) {
		mu.Lock()
		gotMsg = true
		mu.Unlock()
	})
	hub.push(EventMessage, MessagePayload{ConversationID: "conv-1", Message: Message{ID: "m1"}})
	waitFor(t, "post-reconnect event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotMsg
	})
}

func TestChannelHeartbeatSingleLoopAfterReconnects(t *testing.T) {
	hub, srv := newHubServer(t)
	cfg := testChannelConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	c := NewChannelClient(srv.URL, cfg)

	var mu sync.Mutex
	connected := 0
	c.OnConnected(func() {
		mu.Lock()
		connected++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// Two drop/reconnect cycles; each old connection's heartbeat loop must
	// die with its connection instead of ticking on alongside the new one.
	for want := 2; want <= 3; want++ {
		hub.dropConnections()
		waitFor(t, "reconnect", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return connected == want
		})
	}

	before := len(hub.commandsOfType(CommandPing))
	time.Sleep(1 * time.Second)
	pings := len(hub.commandsOfType(CommandPing)) - before

	// One loop at 100ms yields ~10 pings in the window; surviving stale
	// loops would triple that.
	if pings > 15 {
		t.Fatalf("%d pings in 1s at 100ms interval, want a single heartbeat loop's worth", pings)
	}
	if pings == 0 {
		t.Fatal("heartbeat stopped entirely after reconnects")
	}
}

func TestChannelMessageConversationIDBackfill(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	var got []MessagePayload
	c.OnMessage(func(p MessagePayload) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// Envelope-level id only.
	hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "m1", SenderID: "alice"},
	})
	// Message-level id only.
	hub.push(EventMessage, MessagePayload{
		Message: Message{ID: "m2", ConversationID: "conv-1", SenderID: "alice"},
	})

	waitFor(t, "both messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, p := range got {
		if p.ConversationID != "conv-1" || p.Message.ConversationID != "conv-1" {
			t.Fatalf("conversation id not mirrored: envelope=%q message=%q (id %s)",
				p.ConversationID, p.Message.ConversationID, p.Message.ID)
		}
	}
}

func TestChannelIntentionalCloseSuppressesReconnect(t *testing.T) {
	_, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	var mu sync.Mutex
	reconnecting := 0
	c.OnReconnecting(func(int, time.Duration) {
		mu.Lock()
		reconnecting++
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if reconnecting != 0 {
		t.Fatalf("reconnecting fired %d times after intentional close", reconnecting)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestChannelAuthFailureDuringReconnectIsTerminal(t *testing.T) {
	hub, srv := newHubServer(t)
	c := NewChannelClient(srv.URL, testChannelConfig())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// Token goes bad server-side, then the connection drops.
	hub.mu.Lock()
	hub.reject = true
	hub.mu.Unlock()
	hub.dropConnections()

	waitFor(t, "terminal disconnect", func() bool {
		return c.State() == StateDisconnected
	})

	// Give any stray reconnect attempt time to surface.
	time.Sleep(150 * time.Millisecond)
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}
