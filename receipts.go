package chatup

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// readSender is the slice of the channel the tracker uses.
type readSender interface {
	State() ConnState
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// ReadReceiptTracker reports local reads to the server and applies inbound
// read receipts to the canonical list.
//
// Consistency model: eventual. Local state is updated optimistically and
// never rolled back on a failed invocation; the pending batch is simply left
// in place and the full resync after the next reconnect recovers whatever
// the server missed.
type ReadReceiptTracker struct {
	channel     readSender
	history     *HistoryReconciler
	localUserID string
	log         *logrus.Entry

	mu          sync.Mutex
	pending     map[string]map[string]struct{} // conversationID → unacked message ids
}

// SetLocalUserID updates the local identity, normally from the
// authenticated handshake.
func (t *ReadReceiptTracker) SetLocalUserID(id string) {
	t.mu.Lock()
	t.localUserID = id
	t.mu.Unlock()
}

// NewReadReceiptTracker creates a tracker wired to the channel and the
// canonical list.
func NewReadReceiptTracker(channel readSender, history *HistoryReconciler, localUserID string, logger *logrus.Logger) *ReadReceiptTracker {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &ReadReceiptTracker{
		channel:     channel,
		history:     history,
		localUserID: localUserID,
		log:         logger.WithField("component", "receipts"),
		pending:     make(map[string]map[string]struct{}),
	}
}

// MarkAsRead reports messageIDs as read by the local user. No-op when the
// batch is empty or the channel is not connected. Each call issues exactly
// one outbound invocation: batching is the caller's job.
//
// A failed invocation is logged, not surfaced and not retried; the ids stay
// in the pending batch until a later ack or the post-reconnect resync.
func (t *ReadReceiptTracker) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 || t.channel.State() != StateConnected {
		return nil
	}

	t.mu.Lock()
	batch := t.pending[conversationID]
	if batch == nil {
		batch = make(map[string]struct{})
		t.pending[conversationID] = batch
	}
	for _, id := range messageIDs {
		batch[id] = struct{}{}
	}
	t.mu.Unlock()

	if err := t.channel.MarkRead(ctx, conversationID, messageIDs); err != nil {
		t.log.WithFields(logrus.Fields{
			"conversation": conversationID,
			"count":        len(messageIDs),
			"error":        err,
		}).Warn("mark-as-read failed, will recover on resync")
		return nil
	}

	t.clearPending(conversationID, messageIDs)
	return nil
}

// HandleReceipt applies an inbound read receipt: every reported reader is
// added to each message's ReadBy set (additive only). Receipts that echo the
// local user's own reads also ack the matching pending entries.
func (t *ReadReceiptTracker) HandleReceipt(p ReadReceiptPayload) {
	ids := p.AllMessageIDs()
	for _, id := range ids {
		t.history.AddReadBy(id, p.ReaderIDs)
	}

	t.mu.Lock()
	localID := t.localUserID
	t.mu.Unlock()
	for _, reader := range p.ReaderIDs {
		if reader == localID {
			t.clearPending(p.ConversationID, ids)
			break
		}
	}
}

// Pending returns the message ids awaiting server acknowledgement for a
// conversation.
func (t *ReadReceiptTracker) Pending(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.pending[conversationID]
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	return ids
}

func (t *ReadReceiptTracker) clearPending(conversationID string, messageIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.pending[conversationID]
	if batch == nil {
		return
	}
	for _, id := range messageIDs {
		delete(batch, id)
	}
	if len(batch) == 0 {
		delete(t.pending, conversationID)
	}
}
