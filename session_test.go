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
)

// chatServer combines the scripted hub with a canned REST history endpoint,
// enough backend for a whole Session.
type chatServer struct {
	hub *hubServer

	mu      sync.Mutex
	history map[string][]Message
}

func newChatServer(t *testing.T) (*chatServer, *httptest.Server) {
	t.Helper()
	cs := &chatServer{
		hub:     &hubServer{t: t},
		history: make(map[string][]Message),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/hubs/chat"):
			cs.hub.handle(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/messages/conversation/"):
			convID := strings.TrimPrefix(r.URL.Path, "/api/messages/conversation/")
			cs.mu.Lock()
			msgs := cs.history[convID]
			cs.mu.Unlock()
			if msgs == nil {
				msgs = []Message{}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(msgs)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return cs, srv
}

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	sess, err := NewSession(SessionConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Cipher:  Base64Cipher{},
		Channel: ChannelConfig{
			ReconnectBaseDelay: 20 * time.Millisecond,
			ReconnectMaxDelay:  100 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSessionRequiresToken(t *testing.T) {
	_, err := NewSession(SessionConfig{BaseURL: "http://example.invalid"})
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("NewSession error = %v (%T), want *AuthError", err, err)
	}
}

func TestSessionAdoptsIdentityFromHandshake(t *testing.T) {
	_, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "identity adoption", func() bool {
		return sess.LocalUserID() == "me"
	})
}

// A message arrives while the conversation is open: it lands decrypted at the
// head of the canonical list, bumps the unread count, and a later mark-as-read
// flows back out and clears the pending batch when the server echoes it.
func TestSessionLiveMessageThenMarkRead(t *testing.T) {
	cs, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()
	if err := sess.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}

	cs.hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message: Message{
			ID: "m1", ConversationID: "conv-1", SenderID: "alice",
			CipherText: b64("coucou"), IV: "plain",
		},
	})
	cs.hub.push(EventUnreadCount, UnreadCountPayload{ConversationID: "conv-1", Count: 1})

	waitFor(t, "live message merged", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].Text == "coucou"
	})
	waitFor(t, "unread bumped", func() bool {
		return sess.Router().UnreadCount("conv-1") == 1
	})

	if err := sess.MarkAsRead(ctx, "conv-1", []string{"m1"}); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	waitFor(t, "markread on wire", func() bool {
		return len(cs.hub.commandsOfType(CommandMarkRead)) == 1
	})

	// Server confirms with a receipt echo and the authoritative count.
	cs.hub.push(EventReadReceipt, ReadReceiptPayload{
		ConversationID: "conv-1",
		ReaderIDs:      []string{"me"},
		MessageID:      "m1",
	})
	cs.hub.push(EventUnreadCount, UnreadCountPayload{ConversationID: "conv-1", Count: 0})

	waitFor(t, "receipt applied", func() bool {
		m, ok := sess.History().Get("m1")
		return ok && m.HasReader("me") && len(sess.Receipts().Pending("conv-1")) == 0
	})
	waitFor(t, "unread cleared", func() bool {
		return sess.Router().UnreadCount("conv-1") == 0
	})
}

func TestSessionSelfEchoNotUnread(t *testing.T) {
	cs, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "identity adoption", func() bool { return sess.LocalUserID() == "me" })
	if err := sess.JoinConversation(context.Background(), "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}

	cs.hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message: Message{
			ID: "m1", ConversationID: "conv-1", SenderID: "me",
			CipherText: b64("from my other device"), IV: "plain",
		},
	})

	waitFor(t, "echo merged", func() bool { return len(sess.Messages()) == 1 })
	if got := sess.Router().UnreadCount("conv-1"); got != 0 {
		t.Fatalf("unread = %d for self-sent echo, want 0", got)
	}
}

func TestSessionHistoryMergesWithLive(t *testing.T) {
	cs, srv := newChatServer(t)
	cs.mu.Lock()
	cs.history["conv-1"] = []Message{
		{ID: "h1", ConversationID: "conv-1", SenderID: "alice", CipherText: b64("older"), IV: "plain"},
		{ID: "h2", ConversationID: "conv-1", SenderID: "alice", CipherText: b64("newer"), IV: "plain"},
	}
	cs.mu.Unlock()
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()
	if err := sess.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	if _, err := sess.LoadHistory(ctx, "conv-1"); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	msgs := sess.Messages()
	if len(msgs) != 2 || msgs[0].ID != "h2" || msgs[1].ID != "h1" {
		t.Fatalf("canonical = %v, want [h2 h1]", msgs)
	}

	// A live push of an already-known message changes nothing.
	cs.hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "h2", ConversationID: "conv-1", SenderID: "alice", CipherText: b64("newer"), IV: "plain"},
	})
	cs.hub.push(EventMessage, MessagePayload{
		ConversationID: "conv-1",
		Message:        Message{ID: "live1", ConversationID: "conv-1", SenderID: "bob", CipherText: b64("freshest"), IV: "plain"},
	})

	waitFor(t, "live merge", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 3 && msgs[0].ID == "live1"
	})
}

// Connection drops and comes back: the session rejoins its conversations,
// asks for the authoritative unread snapshot, and the snapshot overwrites
// whatever local counts survived the outage.
func TestSessionReconnectResync(t *testing.T) {
	cs, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()
	if err := sess.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}

	cs.hub.push(EventUnreadCount, UnreadCountPayload{ConversationID: "conv-1", Count: 3})
	waitFor(t, "pre-drop unread", func() bool {
		return sess.Router().UnreadCount("conv-1") == 3
	})

	cs.hub.dropConnections()

	// Reconnect rejoins and requests the snapshot.
	waitFor(t, "resync commands", func() bool {
		return len(cs.hub.commandsOfType(CommandJoin)) >= 2 &&
			len(cs.hub.commandsOfType(CommandUnreadSnapshot)) >= 1
	})
	waitFor(t, "reconnected", func() bool { return sess.State() == StateConnected })

	// Stale local counts were reset on disconnect; the snapshot is the
	// authoritative answer.
	if got := sess.Router().UnreadCount("conv-1"); got != 0 {
		t.Fatalf("unread = %d after disconnect reset, want 0", got)
	}
	cs.hub.push(EventUnreadSnapshot, map[string]int{"conv-1": 5, "conv-2": 1})
	waitFor(t, "snapshot applied", func() bool {
		return sess.Router().UnreadCount("conv-1") == 5 &&
			sess.Router().UnreadCount("conv-2") == 1
	})
}

func TestSessionSendMessageEncryptsOnWire(t *testing.T) {
	cs, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()
	if err := sess.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}
	if err := sess.SendMessage(ctx, "conv-1", "bonjour"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitFor(t, "message on wire", func() bool {
		return len(cs.hub.commandsOfType(CommandSendMessage)) == 1
	})
	cmd := cs.hub.commandsOfType(CommandSendMessage)[0]
	raw, _ := json.Marshal(cmd.Payload)
	var p SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("payload shape: %v", err)
	}
	if p.CipherText != b64("bonjour") || p.CipherText == "bonjour" {
		t.Fatalf("plaintext on wire: %+v", p)
	}
	if cmd.RequestID == "" {
		t.Fatal("message.send without request id")
	}
}

func TestSessionSendMessageWhileDisconnected(t *testing.T) {
	_, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	err := sess.SendMessage(context.Background(), "conv-1", "hello")
	if err != ErrNotConnected {
		t.Fatalf("SendMessage = %v, want ErrNotConnected", err)
	}
}

func TestSessionLeaveConversationStopsTyping(t *testing.T) {
	cs, srv := newChatServer(t)
	sess := newTestSession(t, srv)

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()
	if err := sess.JoinConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("JoinConversation: %v", err)
	}

	sess.SetTypingInput("conv-1", true)
	waitFor(t, "typing=true", func() bool {
		return len(cs.hub.commandsOfType(CommandTyping)) == 1
	})

	if err := sess.LeaveConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("LeaveConversation: %v", err)
	}
	waitFor(t, "final typing=false and leave", func() bool {
		return len(cs.hub.commandsOfType(CommandTyping)) == 2 &&
			len(cs.hub.commandsOfType(CommandLeave)) == 1
	})
}
