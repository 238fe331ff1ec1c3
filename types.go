package chatup

import "encoding/json"

// ============================================================================
// Core entities
// ============================================================================

// Message is a single chat message as stored in the canonical list.
//
// Identity fields (ID, ConversationID, SenderID, CipherText, IV, SentAt) are
// immutable once the message exists. ReadBy only ever grows. Text is the
// decrypted plaintext derived by the history reconciler; it is never sent
// back to the server.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	CipherText     string   `json:"cipherText"`
	IV             string   `json:"iv"`
	SentAt         string   `json:"sentAt"`
	ReadBy         []string `json:"readBy,omitempty"`

	Text string `json:"-"`
}

// HasReader reports whether userID is already in the ReadBy set.
func (m *Message) HasReader(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Member is a conversation participant.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Conversation is conversation metadata from the REST API.
type Conversation struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	Members []Member `json:"members"`
}

// Contact is an entry in the contact or block list.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
}

// ============================================================================
// Channel wire format
// ============================================================================

// Envelope is the wire format for all inbound channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server channel invocation.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Inbound event types.
const (
	EventAuthenticated   = "authenticated"
	EventAuthFailed      = "auth.failed"
	EventMessage         = "message.received"
	EventReadReceipt     = "message.read"
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
	EventTyping          = "typing.indicator"
	EventUnreadCount     = "unread.count"
	EventUnreadSnapshot  = "unread.snapshot"
	EventError           = "error"
	EventPong            = "pong"
)

// Outbound command types.
const (
	CommandJoin           = "conversation.join"
	CommandLeave          = "conversation.leave"
	CommandSendMessage    = "message.send"
	CommandTyping         = "typing.signal"
	CommandMarkRead       = "message.markread"
	CommandUnreadSnapshot = "unread.request"
	CommandPing           = "ping"
)

// ============================================================================
// Event payloads
// ============================================================================

// AuthenticatedPayload is the first event on a freshly opened channel.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// MessagePayload carries a live-pushed message.
type MessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// ReadReceiptPayload reports that one or more users read one or more messages.
// The server sends either MessageID or MessageIDs depending on batch size.
type ReadReceiptPayload struct {
	ConversationID string   `json:"conversationId"`
	ReaderIDs      []string `json:"readerIds"`
	MessageID      string   `json:"messageId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// AllMessageIDs returns the receipt's message ids regardless of which wire
// field carried them.
func (p *ReadReceiptPayload) AllMessageIDs() []string {
	if len(p.MessageIDs) > 0 {
		return p.MessageIDs
	}
	if p.MessageID != "" {
		return []string{p.MessageID}
	}
	return nil
}

// PresencePayload carries a presence transition for a single user.
type PresencePayload struct {
	UserID     string `json:"userId"`
	LastSeenAt string `json:"lastSeenAt,omitempty"`
}

// TypingPayload carries a remote typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// UnreadCountPayload is the authoritative unread count for one conversation.
type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

// ErrorPayload is a server-side error surfaced over the channel.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// SendMessagePayload is the body of a message.send command.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	CipherText     string `json:"cipherText"`
	IV             string `json:"iv"`
}

// MarkReadPayload is the body of a message.markread command.
type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}
