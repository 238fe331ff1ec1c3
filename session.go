package chatup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionConfig configures a messaging session.
type SessionConfig struct {
	// BaseURL is the server root, e.g. "https://chat.example.com". Both the
	// REST API and the push channel endpoint are derived from it.
	BaseURL string

	// Token is the bearer credential for both REST and the channel.
	Token string

	// LocalUserID is the authenticated user's id. Optional: when empty it is
	// adopted from the channel's authenticated handshake.
	LocalUserID string

	// Cipher encrypts and decrypts message bodies. Defaults to Base64Cipher.
	Cipher Cipher

	// Logger receives structured logs from every component. Defaults to a
	// warn-level logger.
	Logger *logrus.Logger

	// Channel overrides channel tuning (backoff, heartbeat). Token and
	// Logger are always taken from the session config.
	Channel ChannelConfig
}

// Session is one user's messaging session: the REST client, the push
// channel, and the components built on top of them. It is created at login
// and closed at logout; a new token means a new Session.
//
// Session replaces what the original client kept in module-level singletons:
// everything hangs off this one explicitly constructed object.
type Session struct {
	rest     *Client
	channel  *ChannelClient
	router   *EventRouter
	history  *HistoryReconciler
	receipts *ReadReceiptTracker
	typing   *TypingCoordinator
	cipher   Cipher
	log      *logrus.Entry

	mu          sync.Mutex
	localUserID string
	joined      map[string]struct{}
}

// NewSession wires up all components. It performs no I/O; call Connect to
// open the channel.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Token == "" {
		return nil, &AuthError{Reason: "missing credential"}
	}
	if cfg.Cipher == nil {
		cfg.Cipher = Base64Cipher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}

	chCfg := cfg.Channel
	chCfg.Token = cfg.Token
	chCfg.Logger = cfg.Logger
	chCfg.AutoReconnect = true

	rest := NewClient(cfg.BaseURL, cfg.Token)
	channel := NewChannelClient(cfg.BaseURL, chCfg)
	router := NewEventRouter(cfg.LocalUserID, cfg.Logger)
	history := NewHistoryReconciler(rest.Messages, cfg.Cipher, cfg.Logger)
	receipts := NewReadReceiptTracker(channel, history, cfg.LocalUserID, cfg.Logger)
	typing := NewTypingCoordinator(channel, cfg.Logger)

	s := &Session{
		rest:        rest,
		channel:     channel,
		router:      router,
		history:     history,
		receipts:    receipts,
		typing:      typing,
		cipher:      cfg.Cipher,
		log:         cfg.Logger.WithField("component", "session"),
		localUserID: cfg.LocalUserID,
		joined:      make(map[string]struct{}),
	}

	// Router feeds the reconciler and the receipt tracker.
	router.OnMessageStream(func(p MessagePayload) {
		history.MergeLive(p.Message)
	})
	router.OnReceiptStream(receipts.HandleReceipt)
	router.Bind(channel)

	channel.OnAuthenticated(func(p AuthenticatedPayload) {
		if p.UserID == "" {
			return
		}
		s.mu.Lock()
		s.localUserID = p.UserID
		s.mu.Unlock()
		router.SetLocalUserID(p.UserID)
		receipts.SetLocalUserID(p.UserID)
	})

	// Runs on every successful connect, reconnects included: rejoin the
	// conversations this session was in and pull the authoritative unread
	// snapshot so stale local counts are overwritten.
	channel.OnConnected(func() {
		s.resync()
	})

	// Derived state is only valid for one connection; it is rebuilt from
	// server events after reconnecting.
	channel.OnDisconnected(func(reason string) {
		router.Reset()
	})

	return s, nil
}

// Connect opens and authenticates the channel. A repeat call supersedes the
// existing connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.channel.Connect(ctx)
}

// Disconnect tears the session's channel down. Idempotent.
func (s *Session) Disconnect() error {
	s.typing.Close()
	return s.channel.Disconnect()
}

// Close is Disconnect under the name deferred callers expect.
func (s *Session) Close() error { return s.Disconnect() }

// State returns the channel connection state.
func (s *Session) State() ConnState { return s.channel.State() }

// LocalUserID returns the authenticated user's id.
func (s *Session) LocalUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUserID
}

func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	joined := make([]string, 0, len(s.joined))
	for id := range s.joined {
		joined = append(joined, id)
	}
	s.mu.Unlock()

	for _, id := range joined {
		if err := s.channel.JoinConversation(ctx, id); err != nil {
			s.log.WithFields(logrus.Fields{"conversation": id, "error": err}).Warn("rejoin failed")
		}
	}
	if err := s.channel.RequestUnreadSnapshot(ctx); err != nil {
		s.log.WithField("error", err).Warn("unread resync request failed")
	}
}

// JoinConversation subscribes to a conversation and makes it the active one
// for history reconciliation.
func (s *Session) JoinConversation(ctx context.Context, conversationID string) error {
	if err := s.channel.JoinConversation(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined[conversationID] = struct{}{}
	s.mu.Unlock()
	s.history.SetActive(conversationID)
	return nil
}

// LeaveConversation cancels the conversation's typing timers, emits a final
// typing=false, and unsubscribes. In-flight history loads are left alone;
// their stale results are discarded by the reconciler's identity check.
func (s *Session) LeaveConversation(ctx context.Context, conversationID string) error {
	s.typing.Leave(conversationID)
	s.mu.Lock()
	delete(s.joined, conversationID)
	s.mu.Unlock()
	return s.channel.LeaveConversation(ctx, conversationID)
}

// LoadHistory fetches, decrypts and installs a conversation's history.
func (s *Session) LoadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	return s.history.LoadHistory(ctx, conversationID)
}

// SendMessage encrypts the text and sends it over the channel. Fails
// synchronously with ErrNotConnected when the channel is down; failures are
// the caller's to surface.
func (s *Session) SendMessage(ctx context.Context, conversationID, text string) error {
	if s.channel.State() != StateConnected {
		return ErrNotConnected
	}
	cipherText, iv, err := s.cipher.Encrypt(text)
	if err != nil {
		return err
	}
	return s.channel.SendMessage(ctx, SendMessagePayload{
		ConversationID: conversationID,
		CipherText:     cipherText,
		IV:             iv,
	})
}

// MarkAsRead reports messages as read; see ReadReceiptTracker.MarkAsRead.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return s.receipts.MarkAsRead(ctx, conversationID, messageIDs)
}

// SetTypingInput reports the current state of the conversation's input
// field; the coordinator handles debouncing.
func (s *Session) SetTypingInput(conversationID string, hasText bool) {
	s.typing.OnLocalTextChange(conversationID, hasText)
}

// Messages returns the canonical list for the active conversation.
func (s *Session) Messages() []Message { return s.history.Messages() }

// REST returns the REST collaborator.
func (s *Session) REST() *Client { return s.rest }

// Channel returns the underlying channel client.
func (s *Session) Channel() *ChannelClient { return s.channel }

// Router returns the event router and its derived-state accessors.
func (s *Session) Router() *EventRouter { return s.router }

// History returns the history reconciler.
func (s *Session) History() *HistoryReconciler { return s.history }

// Receipts returns the read-receipt tracker.
func (s *Session) Receipts() *ReadReceiptTracker { return s.receipts }
