// ABOUTME: Widget session that tracks the end-user's current conversation
// ABOUTME: Bot turns started here only append while the session is open and still on that conversation

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-support/internal/store"
)

// Session is one open chat widget. It holds the "current" conversation that
// sends default to, and owns the turns it starts.
type Session struct {
	svc    *Service
	logger *slog.Logger

	mu      sync.Mutex
	current string
	turns   []*Turn
	closed  bool
}

// NewSession opens a widget session with no current conversation.
func (s *Service) NewSession() *Session {
	return &Session{
		svc:    s,
		logger: s.logger.With("component", "session"),
	}
}

// Start picks the current conversation: the newest active one, or a fresh
// active conversation for a generated user id when none exists.
func (ss *Session) Start(ctx context.Context) (*store.Conversation, error) {
	if err := ss.checkOpen(); err != nil {
		return nil, err
	}

	active, err := ss.svc.ListConversations(ctx, store.ListFilter{Status: store.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}

	var conv *store.Conversation
	if len(active) > 0 {
		conv = active[0]
	} else {
		conv, err = ss.svc.CreateConversation(ctx, store.NewConversation{
			UserID: fmt.Sprintf("user_%d", ss.svc.now().UnixMilli()),
			Status: store.StatusActive,
		})
		if err != nil {
			return nil, err
		}
	}

	ss.mu.Lock()
	ss.current = conv.ID
	ss.mu.Unlock()

	ss.logger.Debug("session started", "conversation_id", conv.ID)
	return conv, nil
}

// Current returns the current conversation id.
func (ss *Session) Current() (string, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.current, ss.current != ""
}

// CurrentConversation loads the current conversation with its messages.
func (ss *Session) CurrentConversation(ctx context.Context) (*store.Conversation, error) {
	id, ok := ss.Current()
	if !ok {
		return nil, ErrNoActiveConversation
	}
	return ss.svc.GetConversation(ctx, id)
}

// Select makes an existing conversation current. Pending turns for the
// previous conversation will no longer append.
func (ss *Session) Select(ctx context.Context, conversationID string) (*store.Conversation, error) {
	if err := ss.checkOpen(); err != nil {
		return nil, err
	}
	conv, err := ss.svc.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	ss.current = conv.ID
	ss.mu.Unlock()
	return conv, nil
}

// SendMessage records a message on conversationID, or on the current
// conversation when conversationID is empty.
func (ss *Session) SendMessage(ctx context.Context, content string, sender store.Sender, conversationID string) (*store.Message, error) {
	if err := ss.checkOpen(); err != nil {
		return nil, err
	}
	target := conversationID
	if target == "" {
		target, _ = ss.Current()
	}
	if target == "" {
		return nil, ErrNoActiveConversation
	}
	return ss.svc.SendMessage(ctx, target, content, sender)
}

// Send is the widget's send button: it records the user's message on the
// current conversation and schedules the bot's reply. A closed current
// conversation fails without storing anything.
func (ss *Session) Send(ctx context.Context, content string) (*store.Message, *Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil, ErrEmptyMessage
	}
	if err := ss.checkOpen(); err != nil {
		return nil, nil, err
	}
	convID, ok := ss.Current()
	if !ok {
		return nil, nil, ErrNoActiveConversation
	}

	msg, turn, err := ss.svc.SendUserMessage(ctx, store.NewMessage{
		ConversationID: convID,
		Content:        content,
	}, WithGuard(func() bool {
		ss.mu.Lock()
		defer ss.mu.Unlock()
		return !ss.closed && ss.current == convID
	}))
	if err != nil {
		return nil, nil, err
	}

	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		turn.Cancel()
		return msg, turn, nil
	}
	ss.pruneLocked()
	ss.turns = append(ss.turns, turn)
	ss.mu.Unlock()

	return msg, turn, nil
}

// MarkAsRead marks bot and agent messages on the current conversation as read,
// the widget's view when the chat window is opened.
func (ss *Session) MarkAsRead(ctx context.Context) (int, error) {
	id, ok := ss.Current()
	if !ok {
		return 0, ErrNoActiveConversation
	}
	return ss.svc.MarkReadFor(ctx, id, store.SenderUser)
}

// UnreadCount counts bot and agent messages the user has not seen.
func (ss *Session) UnreadCount(ctx context.Context) (int, error) {
	id, ok := ss.Current()
	if !ok {
		return 0, ErrNoActiveConversation
	}
	return ss.svc.UnreadCountFor(ctx, id, store.SenderUser)
}

// Close tears the widget down and cancels every turn it started.
func (ss *Session) Close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	turns := ss.turns
	ss.turns = nil
	ss.mu.Unlock()

	for _, t := range turns {
		t.Cancel()
	}
	ss.logger.Debug("session closed", "cancelled_turns", len(turns))
}

func (ss *Session) checkOpen() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	return nil
}

// pruneLocked drops finished turns. Must be called with mu held.
func (ss *Session) pruneLocked() {
	live := ss.turns[:0]
	for _, t := range ss.turns {
		select {
		case <-t.Done():
		default:
			live = append(live, t)
		}
	}
	ss.turns = live
}
