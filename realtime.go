package chatup

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the persistent channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *logrus.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.WarnLevel)
	}
}

// ConnState represents the channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

type eventDispatcher struct {
	mu               sync.RWMutex
	log              *logrus.Entry
	onAuthenticated  []func(AuthenticatedPayload)
	onMessage        []func(MessagePayload)
	onReadReceipt    []func(ReadReceiptPayload)
	onPresence       []func(userID string, online bool, lastSeenAt string)
	onTyping         []func(TypingPayload)
	onUnreadCount    []func(conversationID string, count int)
	onUnreadSnapshot []func(counts map[string]int)
	onServerError    []func(message string)
	onConnected      []func()
	onDisconnected   []func(reason string)
	onReconnecting   []func(attempt int, delay time.Duration)
}

func newEventDispatcher(log *logrus.Entry) *eventDispatcher {
	return &eventDispatcher{log: log}
}

// dispatch runs the registered handlers for one inbound envelope, in
// registration order, on the caller's goroutine. Handlers update in-memory
// state and must not block; this is what keeps each state slice's mutations
// serialized with respect to the event stream.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if !d.decode(env, &p) {
			return
		}
		for _, h := range d.onAuthenticated {
			h(p)
		}
	case EventMessage:
		var p MessagePayload
		if !d.decode(env, &p) {
			return
		}
		// Servers carry the conversation id on the envelope, the message,
		// or both; downstream consumers key on either, so fill both ways.
		if p.Message.ConversationID == "" {
			p.Message.ConversationID = p.ConversationID
		}
		if p.ConversationID == "" {
			p.ConversationID = p.Message.ConversationID
		}
		for _, h := range d.onMessage {
			h(p)
		}
	case EventReadReceipt:
		var p ReadReceiptPayload
		if !d.decode(env, &p) {
			return
		}
		for _, h := range d.onReadReceipt {
			h(p)
		}
	case EventPresenceOnline, EventPresenceOffline:
		var p PresencePayload
		if !d.decode(env, &p) {
			return
		}
		online := env.Type == EventPresenceOnline
		for _, h := range d.onPresence {
			h(p.UserID, online, p.LastSeenAt)
		}
	case EventTyping:
		var p TypingPayload
		if !d.decode(env, &p) {
			return
		}
		for _, h := range d.onTyping {
			h(p)
		}
	case EventUnreadCount:
		var p UnreadCountPayload
		if !d.decode(env, &p) {
			return
		}
		for _, h := range d.onUnreadCount {
			h(p.ConversationID, p.Count)
		}
	case EventUnreadSnapshot:
		var counts map[string]int
		if !d.decode(env, &counts) {
			return
		}
		for _, h := range d.onUnreadSnapshot {
			h(counts)
		}
	case EventError:
		var p ErrorPayload
		if !d.decode(env, &p) {
			return
		}
		for _, h := range d.onServerError {
			h(p.Message)
		}
	}
}

// decode unmarshals an event payload; a malformed payload is a ProtocolError:
// logged, dropped, processing continues.
func (d *eventDispatcher) decode(env Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		d.log.WithFields(logrus.Fields{
			"event": env.Type,
			"error": err,
		}).Warn("dropping event with malformed payload")
		return false
	}
	return true
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a while resets the backoff curve.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChannelClient
// ============================================================================

// ChannelClient owns the persistent bidirectional channel: connect,
// authenticate, auto-reconnect, teardown. Event handler registrations
// survive reconnects; no re-registration is needed.
//
// Outbound invocations succeed only in StateConnected and fail synchronously
// with ErrNotConnected in every other state.
type ChannelClient struct {
	baseURL string
	config  *ChannelConfig
	log     *logrus.Entry

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewChannelClient creates a channel client for the given hub base URL
// (http/https; the websocket scheme is derived).
func NewChannelClient(baseURL string, config ChannelConfig) *ChannelClient {
	config.defaults()
	log := config.Logger.WithField("component", "channel")
	return &ChannelClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &config,
		log:          log,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(log),
		recon:        newReconnector(&config),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// ── Handler registration ─────────────────────────────────────────────────

// OnAuthenticated registers a handler for the authenticated handshake event.
func (c *ChannelClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onAuthenticated = append(c.dispatcher.onAuthenticated, h)
	c.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for live-pushed messages.
func (c *ChannelClient) OnMessage(h func(MessagePayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessage = append(c.dispatcher.onMessage, h)
	c.dispatcher.mu.Unlock()
}

// OnReadReceipt registers a handler for read receipts.
func (c *ChannelClient) OnReadReceipt(h func(ReadReceiptPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReadReceipt = append(c.dispatcher.onReadReceipt, h)
	c.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for presence transitions.
func (c *ChannelClient) OnPresence(h func(userID string, online bool, lastSeenAt string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onPresence = append(c.dispatcher.onPresence, h)
	c.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for remote typing indicators.
func (c *ChannelClient) OnTyping(h func(TypingPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onTyping = append(c.dispatcher.onTyping, h)
	c.dispatcher.mu.Unlock()
}

// OnUnreadCount registers a handler for single-conversation unread updates.
func (c *ChannelClient) OnUnreadCount(h func(conversationID string, count int)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onUnreadCount = append(c.dispatcher.onUnreadCount, h)
	c.dispatcher.mu.Unlock()
}

// OnUnreadSnapshot registers a handler for full unread snapshots.
func (c *ChannelClient) OnUnreadSnapshot(h func(counts map[string]int)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onUnreadSnapshot = append(c.dispatcher.onUnreadSnapshot, h)
	c.dispatcher.mu.Unlock()
}

// OnServerError registers a handler for server-side error events.
func (c *ChannelClient) OnServerError(h func(message string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onServerError = append(c.dispatcher.onServerError, h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event. It fires on
// every successful connect, including reconnects, which makes it the hook
// for post-reconnect resynchronization.
func (c *ChannelClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *ChannelClient) OnDisconnected(h func(reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *ChannelClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *ChannelClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ── Lifecycle ────────────────────────────────────────────────────────────

// hubURL derives the websocket endpoint from the REST base URL.
func (c *ChannelClient) hubURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/hubs/chat?access_token=" + c.config.Token
}

// Connect establishes and authenticates the channel. A successful connect
// while a previous connection is live supersedes it: the old connection is
// torn down first. Returns *AuthError on a rejected credential (terminal,
// no retry) and *NetworkError on transport failure.
func (c *ChannelClient) Connect(ctx context.Context) error {
	if c.config.Token == "" {
		return &AuthError{Reason: "missing credential"}
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	// One logical channel per session: tear down any prior connection.
	prior := c.conn
	priorCancel := c.cancelFn
	c.conn = nil
	c.cancelFn = nil
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	// Cancel even when the conn is already gone: after an unexpected drop
	// the read loop clears conn but the heartbeat loop still runs on the
	// old context.
	if priorCancel != nil {
		priorCancel()
	}
	if prior != nil {
		prior.Close(websocket.StatusNormalClosure, "superseded")
	}

	conn, _, err := websocket.Dial(ctx, c.hubURL(), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return &NetworkError{Op: "dial channel", Err: err}
	}

	// The server's first frame settles authentication.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &NetworkError{Op: "read handshake", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &ProtocolError{EventType: "handshake", Err: err}
	}
	switch env.Type {
	case EventAuthenticated:
		// fall through
	case EventAuthFailed, EventError:
		var p ErrorPayload
		json.Unmarshal(env.Payload, &p)
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		if p.Message == "" {
			p.Message = "credential rejected"
		}
		return &AuthError{Reason: p.Message}
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return &ProtocolError{EventType: env.Type, Err: fmt.Errorf("expected %q handshake", EventAuthenticated)}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancel
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()

	c.log.WithField("url", c.baseURL).Info("channel connected")

	c.dispatcher.dispatch(env)
	c.dispatcher.emitConnected()

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Disconnect tears the channel down gracefully. It is idempotent and
// suppresses automatic reconnection.
func (c *ChannelClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	already := c.state == StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.dispatcher.emitDisconnected("client disconnect")
		return err
	}
	if !already {
		c.dispatcher.emitDisconnected("client disconnect")
	}
	return nil
}

func (c *ChannelClient) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ── Outbound invocations ─────────────────────────────────────────────────

// Send issues a raw command. It fails synchronously with ErrNotConnected
// unless the channel is in StateConnected; no network I/O is attempted in
// any other state.
func (c *ChannelClient) Send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &NetworkError{Op: "send " + cmd.Type, Err: err}
	}
	return nil
}

// JoinConversation subscribes the session to a conversation's events.
func (c *ChannelClient) JoinConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{
		Type:    CommandJoin,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation unsubscribes from a conversation's events.
func (c *ChannelClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{
		Type:    CommandLeave,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// SendMessage sends an encrypted message.
func (c *ChannelClient) SendMessage(ctx context.Context, p SendMessagePayload) error {
	return c.Send(ctx, &Command{
		Type:      CommandSendMessage,
		Payload:   p,
		RequestID: uuid.NewString(),
	})
}

// SendTyping signals the local typing state for a conversation.
func (c *ChannelClient) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.Send(ctx, &Command{
		Type: CommandTyping,
		Payload: TypingPayload{
			ConversationID: conversationID,
			IsTyping:       isTyping,
		},
	})
}

// MarkRead reports the given messages as read by the local user.
func (c *ChannelClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.Send(ctx, &Command{
		Type: CommandMarkRead,
		Payload: MarkReadPayload{
			ConversationID: conversationID,
			MessageIDs:     messageIDs,
		},
	})
}

// RequestUnreadSnapshot asks the server for the authoritative unread counts
// of every conversation.
func (c *ChannelClient) RequestUnreadSnapshot(ctx context.Context) error {
	return c.Send(ctx, &Command{Type: CommandUnreadSnapshot})
}

// Ping sends a ping and waits for the matching pong.
func (c *ChannelClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	err := c.Send(ctx, &Command{
		Type:      CommandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		c.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		c.dropPendingPing(requestID)
		return nil, &NetworkError{Op: "ping", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		c.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

// ── Internal loops ───────────────────────────────────────────────────────

func (c *ChannelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			current := c.conn == conn
			if current {
				c.state = StateDisconnected
				c.conn = nil
				// Stop this connection's heartbeat loop; the reconnected
				// channel starts its own.
				if c.cancelFn != nil {
					c.cancelFn()
					c.cancelFn = nil
				}
			}
			c.mu.Unlock()

			if intentional || !current {
				return
			}

			c.log.WithField("error", err).Warn("channel read failed")
			c.clearPendingPings()
			c.dispatcher.emitDisconnected(err.Error())

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.reconnectLoop()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithField("error", err).Warn("dropping unparseable frame")
			continue
		}

		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.resolvePendingPing(p)
			}
			continue
		}

		c.dispatcher.dispatch(env)
	}
}

func (c *ChannelClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if _, err := c.Ping(ctx); err != nil {
				// Cancelled mid-ping: this loop's connection is gone and
				// c.conn may already be its successor.
				if ctx.Err() != nil {
					return
				}
				// Force-close so the read loop notices and reconnects.
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnectLoop retries Connect with backoff until it succeeds, runs out of
// attempts, or hits a terminal auth failure.
func (c *ChannelClient) reconnectLoop() {
	for c.config.AutoReconnect && c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.dispatcher.emitReconnecting(c.recon.attempt, delay)
		c.log.WithFields(logrus.Fields{
			"attempt": c.recon.attempt,
			"delay":   delay,
		}).Info("reconnecting")

		time.Sleep(delay)

		c.mu.Lock()
		intentional := c.intentionalClose
		c.mu.Unlock()
		if intentional {
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		if _, ok := err.(*AuthError); ok {
			// Credential went bad; reconnecting cannot help.
			c.log.WithField("error", err).Error("reconnect aborted")
			c.setState(StateDisconnected)
			return
		}
		c.log.WithField("error", err).Warn("reconnect attempt failed")
	}
	c.setState(StateDisconnected)
}

// ── Pending pings ────────────────────────────────────────────────────────

func (c *ChannelClient) resolvePendingPing(p PongPayload) {
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[p.RequestID]
	if ok {
		delete(c.pendingPings, p.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (c *ChannelClient) dropPendingPing(requestID string) {
	c.pendingMu.Lock()
	delete(c.pendingPings, requestID)
	c.pendingMu.Unlock()
}

func (c *ChannelClient) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}
