package chatup

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DecryptPlaceholder is shown in place of a message whose ciphertext cannot
// be opened. A failed decryption never aborts the batch it arrived in.
const DecryptPlaceholder = "[unreadable message]"

const historyPageSize = 100

// HistoryFetcher is the REST history collaborator.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error)
}

// HistoryReconciler merges the paginated REST history with live-pushed
// messages into one deduplicated canonical list for the active
// conversation.
//
// Ordering: the canonical list is newest-first by arrival into the
// reconciler, not by SentAt. Out-of-order network delivery is kept as-is;
// this mirrors the behavior users actually see and keeps merges append-only.
type HistoryReconciler struct {
	fetcher HistoryFetcher
	cipher  Cipher
	log     *logrus.Entry

	mu             sync.Mutex
	conversationID string
	canonical      []Message
	index          map[string]int // message id → position in canonical
}

// NewHistoryReconciler creates a reconciler over the given REST collaborator
// and cipher.
func NewHistoryReconciler(fetcher HistoryFetcher, cipher Cipher, logger *logrus.Logger) *HistoryReconciler {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &HistoryReconciler{
		fetcher: fetcher,
		cipher:  cipher,
		log:     logger.WithField("component", "history"),
		index:   make(map[string]int),
	}
}

// SetActive switches the reconciler to a new conversation and clears the
// canonical list. In-flight loads for other conversations keep running;
// their results are discarded by the identity check in LoadHistory.
func (h *HistoryReconciler) SetActive(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conversationID == conversationID {
		return
	}
	h.conversationID = conversationID
	h.canonical = nil
	h.index = make(map[string]int)
}

// Active returns the conversation the reconciler currently tracks.
func (h *HistoryReconciler) Active() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversationID
}

// LoadHistory fetches the full history for a conversation page by page,
// decrypts every entry, and installs the result as the canonical list,
// newest-first. Messages already merged from the live stream while the
// fetch was in flight are kept and deduplicated.
//
// If the active conversation changed while the fetch was running, the stale
// result is discarded (the decrypted slice is still returned to the caller).
func (h *HistoryReconciler) LoadHistory(ctx context.Context, conversationID string) ([]Message, error) {
	var fetched []Message
	offset := 0
	for {
		page, err := h.fetcher.History(ctx, conversationID, &PageOptions{
			Limit:  historyPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, page...)
		if len(page) < historyPageSize {
			break
		}
		offset += len(page)
	}

	// The REST API returns chronological order; the canonical list is
	// newest-first, so decrypt back to front.
	history := make([]Message, 0, len(fetched))
	for i := len(fetched) - 1; i >= 0; i-- {
		history = append(history, h.decrypt(fetched[i]))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conversationID != conversationID {
		h.log.WithFields(logrus.Fields{
			"loaded": conversationID,
			"active": h.conversationID,
		}).Debug("discarding stale history load")
		return history, nil
	}

	// Live messages merged during the fetch stay at the head.
	live := h.canonical
	h.canonical = make([]Message, 0, len(live)+len(history))
	h.index = make(map[string]int)
	for _, m := range live {
		h.appendLocked(m)
	}
	for _, m := range history {
		h.appendLocked(m)
	}
	return history, nil
}

// MergeLive folds live-pushed messages into the canonical list. Each message
// is decrypted and prepended unless its id is already present; merging the
// same message twice leaves the list unchanged. Messages for other
// conversations are ignored.
func (h *HistoryReconciler) MergeLive(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m.ConversationID != h.conversationID {
			continue
		}
		if _, dup := h.index[m.ID]; dup {
			continue
		}
		h.prependLocked(h.decrypt(m))
	}
}

// AddReadBy adds reader ids to a message's ReadBy set. Purely additive: ids
// are never removed, and unknown messages are ignored.
func (h *HistoryReconciler) AddReadBy(messageID string, readerIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos, ok := h.index[messageID]
	if !ok {
		return
	}
	m := &h.canonical[pos]
	for _, id := range readerIDs {
		if !m.HasReader(id) {
			m.ReadBy = append(m.ReadBy, id)
		}
	}
}

// Messages returns a copy of the canonical list, newest-first.
func (h *HistoryReconciler) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.canonical...)
}

// Get returns a message by id.
func (h *HistoryReconciler) Get(messageID string) (Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos, ok := h.index[messageID]
	if !ok {
		return Message{}, false
	}
	return h.canonical[pos], true
}

// UnreadFrom returns the ids of canonical messages not sent by userID and
// not yet read by them, oldest first. This is the batch a view marks as
// read when it gains focus.
func (h *HistoryReconciler) UnreadFrom(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for i := len(h.canonical) - 1; i >= 0; i-- {
		m := &h.canonical[i]
		if m.SenderID != userID && !m.HasReader(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (h *HistoryReconciler) decrypt(m Message) Message {
	text, err := h.cipher.Decrypt(m.CipherText, m.IV)
	if err != nil {
		derr := &DecryptionError{MessageID: m.ID, Err: err}
		h.log.WithField("error", derr).Warn("decryption failed, using placeholder")
		m.Text = DecryptPlaceholder
		return m
	}
	m.Text = text
	return m
}

func (h *HistoryReconciler) appendLocked(m Message) {
	if _, dup := h.index[m.ID]; dup {
		return
	}
	h.canonical = append(h.canonical, m)
	h.index[m.ID] = len(h.canonical) - 1
}

func (h *HistoryReconciler) prependLocked(m Message) {
	h.canonical = append([]Message{m}, h.canonical...)
	h.index = make(map[string]int, len(h.canonical))
	for i := range h.canonical {
		h.index[h.canonical[i].ID] = i
	}
}
