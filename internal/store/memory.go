// ABOUTME: In-memory Store implementation backing the widget and agent dashboard
// ABOUTME: Explicit instance with injected seed data; hands out copies so callers cannot mutate owned entities

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
// Each instance is isolated; there is no package-level state.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, append order
	convSeq       int64
	msgSeq        int64
	now           Clock
}

// NewMemoryStore creates a MemoryStore preloaded with seed (may be nil).
func NewMemoryStore(seed *Seed, opts ...Option) (*MemoryStore, error) {
	o := buildOptions(opts)
	m := &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		now:           o.now,
	}
	if seed != nil {
		if err := m.load(seed); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// load copies seed records in, continuing the id counters past the highest seeded seq.
func (m *MemoryStore) load(seed *Seed) error {
	for _, c := range seed.Conversations {
		if c.ID == "" {
			return fmt.Errorf("%w: seed conversation without id", ErrInvalidInput)
		}
		if _, dup := m.conversations[c.ID]; dup {
			return fmt.Errorf("%w: duplicate seed conversation %q", ErrInvalidInput, c.ID)
		}
		conv := copyConversation(c)
		if conv.Status == "" {
			conv.Status = StatusWaiting
		}
		if conv.Seq == 0 {
			conv.Seq = m.convSeq + 1
		}
		if conv.Seq > m.convSeq {
			m.convSeq = conv.Seq
		}
		m.conversations[conv.ID] = conv

		for _, msg := range c.Messages {
			msgCopy := *msg
			msgCopy.ConversationID = conv.ID
			if msgCopy.Type == "" {
				msgCopy.Type = MessageTypeText
			}
			if msgCopy.Seq == 0 {
				msgCopy.Seq = m.msgSeq + 1
			}
			if msgCopy.Seq > m.msgSeq {
				m.msgSeq = msgCopy.Seq
			}
			m.messages[conv.ID] = append(m.messages[conv.ID], &msgCopy)
		}
		if conv.LastActivity == nil && len(c.Messages) > 0 {
			last := c.Messages[len(c.Messages)-1].Timestamp
			conv.LastActivity = &last
		}
	}
	return nil
}

// CreateConversation allocates a new conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv NewConversation) (*Conversation, error) {
	if err := validateNewConversation(&conv); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.convSeq++
	c := &Conversation{
		ID:        conversationID(now, m.convSeq),
		Seq:       m.convSeq,
		UserID:    conv.UserID,
		Status:    conv.Status,
		CreatedAt: now,
		Metadata:  copyMetadata(conv.Metadata),
	}
	if conv.AgentID != nil {
		agentID := *conv.AgentID
		c.AgentID = &agentID
	}
	m.conversations[c.ID] = c

	result := copyConversation(c)
	result.Messages = []*Message{}
	return result, nil
}

// GetConversation retrieves a conversation with its messages.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, conversationNotFound(id)
	}
	return m.withMessagesLocked(c), nil
}

// ListConversations returns conversations newest first, each with its messages.
func (m *MemoryStore) ListConversations(ctx context.Context, filter ListFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		conv := m.withMessagesLocked(c)
		if matchesFilter(conv, filter) {
			result = append(result, conv)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Seq > result[j].Seq
	})
	return result, nil
}

// UpdateConversation merges patch into an existing conversation.
func (m *MemoryStore) UpdateConversation(ctx context.Context, id string, patch Patch) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, conversationNotFound(id)
	}

	// Apply to a copy so a rejected patch leaves the stored record untouched
	updated := copyConversation(c)
	if err := applyPatch(updated, patch); err != nil {
		return nil, err
	}
	m.conversations[id] = updated

	return m.withMessagesLocked(updated), nil
}

// DeleteConversation removes a conversation and all of its messages.
func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return conversationNotFound(id)
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// AppendMessage adds a message to the end of a conversation's log and bumps
// the conversation's last activity under the same lock.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := validateNewMessage(&msg, now); err != nil {
		return nil, err
	}

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, conversationNotFound(msg.ConversationID)
	}
	if msg.RequireOpen && c.Status == StatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, c.ID)
	}

	m.msgSeq++
	stored := &Message{
		ID:             messageID(now, m.msgSeq),
		Seq:            m.msgSeq,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		Type:           msg.Type,
	}
	m.messages[c.ID] = append(m.messages[c.ID], stored)

	last := stored.Timestamp
	c.LastActivity = &last

	result := *stored
	return &result, nil
}

// ListMessages returns copies of a conversation's messages in append order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, conversationNotFound(conversationID)
	}
	return copyMessages(m.messages[conversationID]), nil
}

// MarkRead flags matching messages as read and returns how many changed.
func (m *MemoryStore) MarkRead(ctx context.Context, conversationID string, pred ReadPredicate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return 0, conversationNotFound(conversationID)
	}

	changed := 0
	for _, msg := range m.messages[conversationID] {
		if msg.IsRead {
			continue
		}
		// The predicate sees a copy
		view := *msg
		if pred == nil || pred(&view) {
			msg.IsRead = true
			changed++
		}
	}
	return changed, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// withMessagesLocked returns a copy of c with copies of its messages attached.
// Must be called with mu held.
func (m *MemoryStore) withMessagesLocked(c *Conversation) *Conversation {
	conv := copyConversation(c)
	conv.Messages = copyMessages(m.messages[c.ID])
	return conv
}

func copyMessages(msgs []*Message) []*Message {
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result
}
