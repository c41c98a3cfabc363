// ABOUTME: In-memory fan-out event broadcaster for live conversation updates
// ABOUTME: Publishes message, typing and turn events to per-conversation and global subscribers

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-support/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllConversations subscribes to events from every conversation.
	AllConversations = "*"
)

// EventType names what an Event carries
type EventType string

const (
	EventMessage             EventType = "message"
	EventTyping              EventType = "typing"
	EventTurnState           EventType = "turn_state"
	EventConversationUpdated EventType = "conversation_updated"
	EventConversationDeleted EventType = "conversation_deleted"
)

// Typing reports that a bot or agent started or stopped composing a reply.
type Typing struct {
	Sender store.Sender `json:"sender"`
	Active bool         `json:"active"`
}

// TurnStatus reports a turn's state machine progress.
type TurnStatus struct {
	ID    string    `json:"id"`
	State TurnState `json:"state"`
}

// Event is a single live update. Exactly one payload field is set, except for
// EventConversationDeleted which carries only the id.
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID string              `json:"conversationId"`
	Timestamp      time.Time           `json:"timestamp"`
	Message        *store.Message      `json:"message,omitempty"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	Typing         *Typing             `json:"typing,omitempty"`
	Turn           *TurnStatus         `json:"turn,omitempty"`
}

// EventBroadcaster provides in-memory pub/sub for conversation events.
// Subscribers register for a conversation id, or AllConversations, and
// receive events as they happen.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation id.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its conversation and to
// AllConversations subscribers.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Sends never block, so the read lock is held across them; Unsubscribe
	// cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{event.ConversationID, AllConversations} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- event:
				// Sent
			default:
				// Subscriber channel full, drop event for this subscriber
				b.logger.Debug("dropped event for slow subscriber",
					"conversation_id", event.ConversationID,
					"event_type", event.Type)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for a conversation id.
func (b *EventBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
