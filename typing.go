package chatup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTypingDebounce is how long the input must stay idle (while
// non-empty) before typing=false is emitted.
const DefaultTypingDebounce = 2 * time.Second

// typingSignaler is the slice of the channel the coordinator uses.
type typingSignaler interface {
	State() ConnState
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// TypingCoordinator debounces the local user's typing signals. Emission is
// fire-and-forget: failures are logged and never retried or surfaced.
//
// Per conversation: the first keystroke into an empty input emits
// typing=true immediately; further keystrokes only reset the idle timer;
// the timer firing, the input emptying, or the view being left emits
// typing=false. One timer handle per conversation, cancel-and-reschedule.
type TypingCoordinator struct {
	channel  typingSignaler
	log      *logrus.Entry
	debounce time.Duration

	mu     sync.Mutex
	active map[string]bool
	timers map[string]*time.Timer
}

// TypingOption customizes a TypingCoordinator.
type TypingOption func(*TypingCoordinator)

// WithTypingDebounce overrides the idle window before typing=false.
func WithTypingDebounce(d time.Duration) TypingOption {
	return func(t *TypingCoordinator) { t.debounce = d }
}

// NewTypingCoordinator creates a coordinator emitting through the channel.
func NewTypingCoordinator(channel typingSignaler, logger *logrus.Logger, opts ...TypingOption) *TypingCoordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	t := &TypingCoordinator{
		channel:  channel,
		log:      logger.WithField("component", "typing"),
		debounce: DefaultTypingDebounce,
		active:   make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnLocalTextChange reacts to the input field changing. hasText is whether
// the field is non-empty after the change.
func (t *TypingCoordinator) OnLocalTextChange(conversationID string, hasText bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !hasText {
		t.stopTimerLocked(conversationID)
		if t.active[conversationID] {
			t.active[conversationID] = false
			t.emit(conversationID, false)
		}
		return
	}

	if !t.active[conversationID] {
		t.active[conversationID] = true
		t.emit(conversationID, true)
	}
	t.resetTimerLocked(conversationID)
}

// Leave cancels the conversation's debounce timer and, if a typing=true is
// outstanding, emits a final typing=false. Called when the conversation
// view is left.
func (t *TypingCoordinator) Leave(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked(conversationID)
	if t.active[conversationID] {
		delete(t.active, conversationID)
		t.emit(conversationID, false)
	}
}

// Close cancels every timer and silences all conversations.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	for id, active := range t.active {
		if active {
			t.emit(id, false)
		}
		delete(t.active, id)
	}
}

func (t *TypingCoordinator) resetTimerLocked(conversationID string) {
	t.stopTimerLocked(conversationID)
	t.timers[conversationID] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, conversationID)
		if t.active[conversationID] {
			t.active[conversationID] = false
			t.emit(conversationID, false)
		}
	})
}

func (t *TypingCoordinator) stopTimerLocked(conversationID string) {
	if timer, ok := t.timers[conversationID]; ok {
		timer.Stop()
		delete(t.timers, conversationID)
	}
}

// emit sends the signal best-effort. Not emitted at all when the channel is
// down; the server clears typing state on disconnect anyway.
func (t *TypingCoordinator) emit(conversationID string, isTyping bool) {
	if t.channel.State() != StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		if err := t.channel.SendTyping(ctx, conversationID, isTyping); err != nil {
			t.log.WithFields(logrus.Fields{
				"conversation": conversationID,
				"isTyping":     isTyping,
				"error":        err,
			}).Debug("typing signal dropped")
		}
	}()
}
