package chatup

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTypingExpiry is how long an inbound typing=true is trusted without
// a follow-up event before it is cleared locally.
const DefaultTypingExpiry = 3 * time.Second

// ChannelError is one entry in the router's error log.
type ChannelError struct {
	Message string
	At      time.Time
}

// EventRouter consumes inbound channel events and owns the derived state
// they produce: the presence set, the typing map, the per-conversation
// unread counts, and the error log.
//
// Each state slice has its own mutex, so mutations of a slice are atomic
// with respect to each other; no cross-slice transaction exists or is
// needed. All accessors return zero values for missing keys and never
// panic. Other components read this state; only the router writes it.
type EventRouter struct {
	localUserID  string
	log          *logrus.Entry
	typingExpiry time.Duration

	// Live-message sink, wired by the session to feed the reconciler and
	// receipt tracker. Set once before Bind; not guarded.
	messageSink func(MessagePayload)
	receiptSink func(ReadReceiptPayload)

	presenceMu sync.RWMutex
	online     map[string]struct{}
	lastSeen   map[string]string

	typingMu     sync.Mutex
	typing       map[string]map[string]bool
	typingTimers map[typingKey]*time.Timer

	unreadMu sync.RWMutex
	unread   map[string]int

	errMu  sync.Mutex
	errLog []ChannelError
}

type typingKey struct {
	conversationID string
	userID         string
}

// RouterOption customizes an EventRouter.
type RouterOption func(*EventRouter)

// WithTypingExpiry overrides the inbound typing auto-expiry window.
func WithTypingExpiry(d time.Duration) RouterOption {
	return func(r *EventRouter) { r.typingExpiry = d }
}

// NewEventRouter creates a router for the given local user. Messages sent by
// that user never count as unread.
func NewEventRouter(localUserID string, logger *logrus.Logger, opts ...RouterOption) *EventRouter {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	r := &EventRouter{
		localUserID:  localUserID,
		log:          logger.WithField("component", "router"),
		typingExpiry: DefaultTypingExpiry,
		online:       make(map[string]struct{}),
		lastSeen:     make(map[string]string),
		typing:       make(map[string]map[string]bool),
		typingTimers: make(map[typingKey]*time.Timer),
		unread:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLocalUserID updates the local identity, normally from the
// authenticated handshake.
func (r *EventRouter) SetLocalUserID(id string) {
	r.unreadMu.Lock()
	r.localUserID = id
	r.unreadMu.Unlock()
}

// OnMessageStream registers the downstream consumer of the live message
// stream. Must be called before Bind.
func (r *EventRouter) OnMessageStream(sink func(MessagePayload)) {
	r.messageSink = sink
}

// OnReceiptStream registers the downstream consumer of read receipts.
// Must be called before Bind.
func (r *EventRouter) OnReceiptStream(sink func(ReadReceiptPayload)) {
	r.receiptSink = sink
}

// Bind subscribes the router to every event category on the channel.
// Registrations survive reconnects, so Bind is called exactly once.
func (r *EventRouter) Bind(ch *ChannelClient) {
	ch.OnMessage(r.HandleMessage)
	ch.OnReadReceipt(r.HandleReadReceipt)
	ch.OnPresence(r.HandlePresence)
	ch.OnTyping(r.HandleTyping)
	ch.OnUnreadCount(r.HandleUnreadCount)
	ch.OnUnreadSnapshot(r.HandleUnreadSnapshot)
	ch.OnServerError(r.HandleServerError)
}

// ── Event handlers ───────────────────────────────────────────────────────

// HandleMessage forwards a live message downstream and bumps the unread
// count, unless the sender is the local user (self-sent messages arrive as
// echoes for multi-device sync and are never unread).
func (r *EventRouter) HandleMessage(p MessagePayload) {
	r.unreadMu.Lock()
	if p.Message.SenderID != r.localUserID {
		r.unread[p.ConversationID]++
	}
	r.unreadMu.Unlock()

	if r.messageSink != nil {
		r.messageSink(p)
	}
}

// HandleReadReceipt forwards a receipt to the read-receipt tracker. It does
// not touch unread counts: those are server-driven through unread.count and
// unread.snapshot events.
func (r *EventRouter) HandleReadReceipt(p ReadReceiptPayload) {
	if r.receiptSink != nil {
		r.receiptSink(p)
	}
}

// HandlePresence adds or removes a user from the presence set.
func (r *EventRouter) HandlePresence(userID string, isOnline bool, lastSeenAt string) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	if isOnline {
		r.online[userID] = struct{}{}
		delete(r.lastSeen, userID)
		return
	}
	delete(r.online, userID)
	if lastSeenAt != "" {
		r.lastSeen[userID] = lastSeenAt
	}
}

// HandleTyping updates the typing map. A typing=true entry expires after the
// configured window; a repeat typing=true resets the window instead of
// stacking a second timer, so there is at most one timer per (conversation,
// user) pair.
func (r *EventRouter) HandleTyping(p TypingPayload) {
	key := typingKey{p.ConversationID, p.UserID}

	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	if t, ok := r.typingTimers[key]; ok {
		t.Stop()
		delete(r.typingTimers, key)
	}

	if !p.IsTyping {
		r.clearTypingLocked(key)
		return
	}

	conv := r.typing[p.ConversationID]
	if conv == nil {
		conv = make(map[string]bool)
		r.typing[p.ConversationID] = conv
	}
	conv[p.UserID] = true

	r.typingTimers[key] = time.AfterFunc(r.typingExpiry, func() {
		r.typingMu.Lock()
		defer r.typingMu.Unlock()
		delete(r.typingTimers, key)
		r.clearTypingLocked(key)
	})
}

func (r *EventRouter) clearTypingLocked(key typingKey) {
	if conv, ok := r.typing[key.conversationID]; ok {
		delete(conv, key.userID)
		if len(conv) == 0 {
			delete(r.typing, key.conversationID)
		}
	}
}

// HandleUnreadCount applies the server's authoritative count for one
// conversation. It always wins over local optimistic adjustments.
func (r *EventRouter) HandleUnreadCount(conversationID string, count int) {
	if count < 0 {
		count = 0
	}
	r.unreadMu.Lock()
	r.unread[conversationID] = count
	r.unreadMu.Unlock()
}

// HandleUnreadSnapshot replaces the whole unread state with the server's
// authoritative snapshot.
func (r *EventRouter) HandleUnreadSnapshot(counts map[string]int) {
	fresh := make(map[string]int, len(counts))
	for id, n := range counts {
		if n < 0 {
			n = 0
		}
		fresh[id] = n
	}
	r.unreadMu.Lock()
	r.unread = fresh
	r.unreadMu.Unlock()
}

// HandleServerError appends to the error log. It never terminates the
// connection.
func (r *EventRouter) HandleServerError(message string) {
	r.log.WithField("message", message).Warn("server error event")
	r.errMu.Lock()
	r.errLog = append(r.errLog, ChannelError{Message: message, At: time.Now()})
	r.errMu.Unlock()
}

// ── Accessors ────────────────────────────────────────────────────────────

// IsOnline reports whether the user is currently in the presence set.
func (r *EventRouter) IsOnline(userID string) bool {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

// OnlineUsers returns a copy of the presence set.
func (r *EventRouter) OnlineUsers() []string {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()
	users := make([]string, 0, len(r.online))
	for id := range r.online {
		users = append(users, id)
	}
	return users
}

// LastSeen returns the last-seen timestamp reported when the user went
// offline, if any.
func (r *EventRouter) LastSeen(userID string) (string, bool) {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()
	ts, ok := r.lastSeen[userID]
	return ts, ok
}

// IsTyping reports whether the user is currently typing in the conversation.
func (r *EventRouter) IsTyping(conversationID, userID string) bool {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()
	return r.typing[conversationID][userID]
}

// UnreadCount returns the unread count for a conversation, 0 if unknown.
func (r *EventRouter) UnreadCount(conversationID string) int {
	r.unreadMu.RLock()
	defer r.unreadMu.RUnlock()
	return r.unread[conversationID]
}

// UnreadCounts returns a copy of the whole unread map.
func (r *EventRouter) UnreadCounts() map[string]int {
	r.unreadMu.RLock()
	defer r.unreadMu.RUnlock()
	out := make(map[string]int, len(r.unread))
	for id, n := range r.unread {
		out[id] = n
	}
	return out
}

// ResetLocalUnread optimistically zeroes a conversation's unread count, e.g.
// when its view gains focus. The next authoritative update still wins.
func (r *EventRouter) ResetLocalUnread(conversationID string) {
	r.unreadMu.Lock()
	r.unread[conversationID] = 0
	r.unreadMu.Unlock()
}

// Errors returns a copy of the error log.
func (r *EventRouter) Errors() []ChannelError {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return append([]ChannelError(nil), r.errLog...)
}

// Reset discards all derived state. It runs on disconnect: presence, typing
// and unread state are only valid for the lifetime of one connection and
// are rebuilt from server events after reconnecting.
func (r *EventRouter) Reset() {
	r.typingMu.Lock()
	for key, t := range r.typingTimers {
		t.Stop()
		delete(r.typingTimers, key)
	}
	r.typing = make(map[string]map[string]bool)
	r.typingMu.Unlock()

	r.presenceMu.Lock()
	r.online = make(map[string]struct{})
	r.lastSeen = make(map[string]string)
	r.presenceMu.Unlock()

	r.unreadMu.Lock()
	r.unread = make(map[string]int)
	r.unreadMu.Unlock()
}
