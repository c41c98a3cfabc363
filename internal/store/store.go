// ABOUTME: Store interface and data types for coven-support persistence
// ABOUTME: Defines Conversation, Message, status/sender enums and the Store contract

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status change would move a
// conversation backwards (e.g. closed -> active).
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrInvalidInput is returned for malformed create/append requests
var ErrInvalidInput = errors.New("invalid input")

// ErrConversationClosed is returned by AppendMessage when RequireOpen is set
// and the conversation is closed.
var ErrConversationClosed = errors.New("conversation is closed")

// NotFoundError names the missing entity. It matches ErrNotFound with errors.Is.
type NotFoundError struct {
	Kind string // "conversation" or "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func conversationNotFound(id string) error {
	return &NotFoundError{Kind: "conversation", ID: id}
}

// Status is the lifecycle state of a conversation
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a conversation in status s may move to next.
// Conversations only move forward: waiting -> active -> closed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusWaiting:
		return next == StatusActive
	case StatusActive:
		return next == StatusClosed
	}
	return false
}

// Sender identifies who authored a message
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAgent Sender = "agent"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderAgent:
		return true
	}
	return false
}

// MessageType distinguishes chat text from system notices
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeSystem
}

// Conversation is a thread between one end-user and the support system.
// Messages is populated by GetConversation and ListConversations.
type Conversation struct {
	ID           string         `json:"id" yaml:"id"`
	Seq          int64          `json:"seq" yaml:"seq"`
	UserID       string         `json:"userId" yaml:"user_id"`
	AgentID      *string        `json:"agentId" yaml:"agent_id"`
	Status       Status         `json:"status" yaml:"status"`
	CreatedAt    time.Time      `json:"createdAt" yaml:"created_at"`
	LastActivity *time.Time     `json:"lastActivity" yaml:"last_activity"`
	Metadata     map[string]any `json:"metadata" yaml:"metadata"`
	Messages     []*Message     `json:"messages" yaml:"messages"`
}

// Resolved reports whether the conversation is marked resolved in its metadata.
func (c *Conversation) Resolved() bool {
	v, ok := c.Metadata["resolved"].(bool)
	return ok && v
}

// Message is a single entry in a conversation's append-only log.
// Only IsRead changes after creation.
type Message struct {
	ID             string      `json:"id" yaml:"id"`
	Seq            int64       `json:"seq" yaml:"seq"`
	ConversationID string      `json:"conversationId" yaml:"conversation_id"`
	Sender         Sender      `json:"sender" yaml:"sender"`
	Content        string      `json:"content" yaml:"content"`
	Timestamp      time.Time   `json:"timestamp" yaml:"timestamp"`
	Type           MessageType `json:"type" yaml:"type"`
	IsRead         bool        `json:"isRead" yaml:"is_read"`
}

// NewConversation holds the caller-supplied fields for CreateConversation
type NewConversation struct {
	UserID   string
	AgentID  *string
	Status   Status // defaults to StatusWaiting
	Metadata map[string]any
}

// NewMessage holds the caller-supplied fields for AppendMessage
type NewMessage struct {
	ConversationID string
	Sender         Sender
	Content        string
	Timestamp      time.Time   // zero means now
	Type           MessageType // defaults to MessageTypeText

	// RequireOpen rejects the append with ErrConversationClosed when the
	// conversation is closed. The status is checked in the same critical
	// section as the write.
	RequireOpen bool
}

// Patch is a partial update for a conversation. Nil fields are left unchanged.
// Metadata keys are merged into the existing mapping.
type Patch struct {
	UserID     *string
	AgentID    *string
	ClearAgent bool
	Status     *Status
	Metadata   map[string]any
}

// ListFilter narrows ListConversations. The zero value matches everything.
type ListFilter struct {
	Status Status // empty for all
	Query  string // case-insensitive match on user id or any message content
}

// ReadPredicate selects messages to mark as read
type ReadPredicate func(*Message) bool

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv NewConversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ListFilter) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch Patch) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg NewMessage) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID string, pred ReadPredicate) (int, error)

	// Close releases any resources held by the store
	Close() error
}

// Clock returns the current time. Stores take one so tests can pin timestamps.
type Clock func() time.Time

type options struct {
	now Clock
}

// Option configures a store backend
type Option func(*options)

// WithClock overrides the time source used for ids and default timestamps.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.now = clock
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// validateNewConversation fills defaults and rejects unknown statuses.
func validateNewConversation(conv *NewConversation) error {
	if conv.Status == "" {
		conv.Status = StatusWaiting
	}
	if !conv.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, conv.Status)
	}
	return nil
}

// validateNewMessage fills defaults and rejects unknown senders or types.
func validateNewMessage(msg *NewMessage, now time.Time) error {
	if !msg.Sender.Valid() {
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidInput, msg.Sender)
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	return nil
}

// applyPatch merges patch into conv, enforcing forward-only status changes.
func applyPatch(conv *Conversation, patch Patch) error {
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
		}
		if !conv.Status.CanTransitionTo(*patch.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, conv.Status, *patch.Status)
		}
		conv.Status = *patch.Status
	}
	if patch.UserID != nil {
		conv.UserID = *patch.UserID
	}
	if patch.ClearAgent {
		conv.AgentID = nil
	} else if patch.AgentID != nil {
		agentID := *patch.AgentID
		conv.AgentID = &agentID
	}
	if len(patch.Metadata) > 0 {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			conv.Metadata[k] = v
		}
	}
	return nil
}

// matchesFilter reports whether conv (with messages loaded) passes filter.
func matchesFilter(conv *Conversation, filter ListFilter) bool {
	if filter.Status != "" && conv.Status != filter.Status {
		return false
	}
	if filter.Query == "" {
		return true
	}
	q := strings.ToLower(filter.Query)
	if strings.Contains(strings.ToLower(conv.UserID), q) {
		return true
	}
	for _, msg := range conv.Messages {
		if strings.Contains(strings.ToLower(msg.Content), q) {
			return true
		}
	}
	return false
}

func conversationID(now time.Time, seq int64) string {
	return fmt.Sprintf("conv_%d_%d", now.UnixMilli(), seq)
}

func messageID(now time.Time, seq int64) string {
	return fmt.Sprintf("msg_%d_%d", now.UnixMilli(), seq)
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	out.Metadata = copyMetadata(c.Metadata)
	if c.AgentID != nil {
		agentID := *c.AgentID
		out.AgentID = &agentID
	}
	if c.LastActivity != nil {
		last := *c.LastActivity
		out.LastActivity = &last
	}
	out.Messages = nil
	return &out
}
