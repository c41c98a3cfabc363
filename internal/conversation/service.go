// ABOUTME: Conversation Service, the single entry point for widget and dashboard operations
// ABOUTME: Sequences store mutations, bot turns and event fan-out; record first, then act

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/2389/coven-support/internal/bot"
	"github.com/2389/coven-support/internal/store"
)

// Responder decides how the bot answers a user message.
// *bot.Resolver satisfies it.
type Responder interface {
	Resolve(message string) bot.Result
}

// Recorder receives operational counts. metrics.Collector satisfies it.
type Recorder interface {
	MessageSent(sender store.Sender)
	TurnStarted()
	TurnFinished(outcome TurnOutcome, elapsed time.Duration)
	Escalated()
	ResolverRecovered()
}

type nopRecorder struct{}

func (nopRecorder) MessageSent(store.Sender) {}
func (nopRecorder) TurnStarted() {}
func (nopRecorder) TurnFinished(TurnOutcome, time.Duration) {}
func (nopRecorder) Escalated() {}
func (nopRecorder) ResolverRecovered() {}

// Timing controls the artificial latency of bot and agent turns and the
// wording of the agent handoff.
type Timing struct {
	BotDelayMin      time.Duration
	BotDelayMax      time.Duration
	AgentPickupDelay time.Duration
	AgentTypingDelay time.Duration
	AgentID          string
	HandoffText      string
}

// DefaultTiming mirrors the widget's typing animation.
func DefaultTiming() Timing {
	return Timing{
		BotDelayMin:      800 * time.Millisecond,
		BotDelayMax:      2 * time.Second,
		AgentPickupDelay: time.Second,
		AgentTypingDelay: 1500 * time.Millisecond,
		AgentID:          "agent_sarah",
		HandoffText:      "Hi! I'm Sarah from our support team. I'll be happy to help you.",
	}
}

// Stats counts conversations by status.
type Stats struct {
	TotalChats   int `json:"totalChats"`
	ActiveChats  int `json:"activeChats"`
	WaitingChats int `json:"waitingChats"`
	ClosedChats  int `json:"closedChats"`
}

// Service is the conversation orchestrator. It owns no conversation state of
// its own beyond pending turns; the store is the source of truth.
type Service struct {
	store       store.Store
	responder   Responder
	broadcaster *EventBroadcaster
	recorder    Recorder
	timing      Timing
	now         func() time.Time
	logger      *slog.Logger

	// base is the parent of every turn context; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	turns    map[string]*Turn // pending turns by id
	tails    map[string]*Turn // most recently scheduled turn per conversation
	stopping bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithBroadcaster shares an existing broadcaster, e.g. with the HTTP layer.
func WithBroadcaster(b *EventBroadcaster) Option {
	return func(s *Service) {
		s.broadcaster = b
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithTiming overrides turn delays and handoff wording.
func WithTiming(t Timing) Option {
	return func(s *Service) {
		s.timing = t
	}
}

// WithClock overrides the time source used for generated user ids and turn timing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service over st, answering user messages with responder.
func New(st store.Store, responder Responder, opts ...Option) *Service {
	s := &Service{
		store:     st,
		responder: responder,
		timing:    DefaultTiming(),
		now:       time.Now,
		turns:     make(map[string]*Turn),
		tails:     make(map[string]*Turn),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "conversation")
	if s.broadcaster == nil {
		s.broadcaster = NewEventBroadcaster(s.logger)
	}
	if s.recorder == nil {
		s.recorder = nopRecorder{}
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Broadcaster returns the event broadcaster the service publishes to.
func (s *Service) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Timing returns the configured turn timing.
func (s *Service) Timing() Timing {
	return s.timing
}

// Subscribe streams events for a conversation id, or AllConversations.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	return s.broadcaster.Subscribe(ctx, conversationID)
}

// CreateConversation starts a new conversation. Status defaults to waiting.
func (s *Service) CreateConversation(ctx context.Context, req store.NewConversation) (*store.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", conv.UserID, "status", conv.Status)
	s.publishConversation(conv)
	return conv, nil
}

// GetConversation returns a conversation with its messages.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations returns conversations newest first.
func (s *Service) ListConversations(ctx context.Context, filter store.ListFilter) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, filter)
}

// UpdateConversation applies a partial update. Moving to closed cancels
// pending turns for the conversation.
func (s *Service) UpdateConversation(ctx context.Context, id string, patch store.Patch) (*store.Conversation, error) {
	conv, err := s.store.UpdateConversation(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		s.cancelTurns(id)
	}
	s.publishConversation(conv)
	return conv, nil
}

// AssignAgent hands a conversation to an agent, activating it if it was waiting.
func (s *Service) AssignAgent(ctx context.Context, id, agentID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	patch := store.Patch{AgentID: &agentID}
	if conv.Status == store.StatusWaiting {
		active := store.StatusActive
		patch.Status = &active
	}
	return s.UpdateConversation(ctx, id, patch)
}

// CloseConversation moves an active conversation to closed and records
// whether it was resolved.
func (s *Service) CloseConversation(ctx context.Context, id string, resolved bool) (*store.Conversation, error) {
	closed := store.StatusClosed
	return s.UpdateConversation(ctx, id, store.Patch{
		Status:   &closed,
		Metadata: map[string]any{"resolved": resolved},
	})
}

// DeleteConversation cancels pending turns and removes the conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	s.cancelTurns(id)
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}

	s.logger.Info("conversation deleted", "conversation_id", id)
	s.broadcaster.Publish(&Event{
		Type:           EventConversationDeleted,
		ConversationID: id,
		Timestamp:      s.now(),
	})
	return nil
}

// SendMessage records a message on an explicit conversation and publishes it.
// It does not start a bot turn; see StartBotTurn.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, sender store.Sender) (*store.Message, error) {
	return s.AppendMessage(ctx, store.NewMessage{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
	})
}

// AppendMessage records a fully specified message, including its type and
// timestamp, and publishes it.
func (s *Service) AppendMessage(ctx context.Context, msg store.NewMessage) (*store.Message, error) {
	if msg.ConversationID == "" {
		return nil, ErrNoActiveConversation
	}
	saved, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("message recorded",
		"conversation_id", saved.ConversationID,
		"message_id", saved.ID,
		"sender", saved.Sender)
	s.recorder.MessageSent(saved.Sender)
	s.broadcaster.Publish(&Event{
		Type:           EventMessage,
		ConversationID: saved.ConversationID,
		Timestamp:      saved.Timestamp,
		Message:        saved,
	})
	return saved, nil
}

// MarkAsRead marks everything not sent by an agent as read, the agent
// dashboard's view of a conversation.
func (s *Service) MarkAsRead(ctx context.Context, conversationID string) (int, error) {
	return s.MarkReadFor(ctx, conversationID, store.SenderAgent)
}

// MarkReadFor marks every message not authored by viewer as read. It is
// idempotent and returns how many messages changed.
func (s *Service) MarkReadFor(ctx context.Context, conversationID string, viewer store.Sender) (int, error) {
	n, err := s.store.MarkRead(ctx, conversationID, func(m *store.Message) bool {
		return m.Sender != viewer
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "viewer", viewer, "count", n)
		if conv, err := s.store.GetConversation(ctx, conversationID); err == nil {
			s.publishConversation(conv)
		}
	}
	return n, nil
}

// GetUnreadCount counts unread messages not sent by an agent.
func (s *Service) GetUnreadCount(ctx context.Context, conversationID string) (int, error) {
	return s.UnreadCountFor(ctx, conversationID, store.SenderAgent)
}

// UnreadCountFor counts unread messages not authored by viewer.
func (s *Service) UnreadCountFor(ctx context.Context, conversationID string, viewer store.Sender) (int, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return countUnread(msgs, viewer), nil
}

func countUnread(msgs []*store.Message, viewer store.Sender) int {
	n := 0
	for _, m := range msgs {
		if !m.IsRead && m.Sender != viewer {
			n++
		}
	}
	return n
}

// GetStats counts conversations by status.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	convs, err := s.store.ListConversations(ctx, store.ListFilter{})
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(convs), nil
}

// ComputeStats aggregates a conversation list by status.
func ComputeStats(convs []*store.Conversation) Stats {
	stats := Stats{TotalChats: len(convs)}
	for _, c := range convs {
		switch c.Status {
		case store.StatusActive:
			stats.ActiveChats++
		case store.StatusWaiting:
			stats.WaitingChats++
		case store.StatusClosed:
			stats.ClosedChats++
		}
	}
	return stats
}

// Shutdown cancels all pending turns and waits for them to exit or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("conversation service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for turns: %w", ctx.Err())
	}
}

// resolve asks the responder for a reply. A panicking or missing responder
// yields the fixed failure reply, which escalates.
func (s *Service) resolve(text string) (res bot.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bot resolver panicked", "panic", r)
			s.recorder.ResolverRecovered()
			res = bot.Result{Reply: bot.FailureReply, Escalate: true}
		}
	}()
	if s.responder == nil {
		return bot.Result{Reply: bot.FailureReply, Escalate: true}
	}
	return s.responder.Resolve(text)
}

// botDelay draws a delay uniformly from [BotDelayMin, BotDelayMax].
func (s *Service) botDelay() time.Duration {
	lo, hi := s.timing.BotDelayMin, s.timing.BotDelayMax
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func (s *Service) publishConversation(conv *store.Conversation) {
	s.broadcaster.Publish(&Event{
		Type:           EventConversationUpdated,
		ConversationID: conv.ID,
		Timestamp:      s.now(),
		Conversation:   conv,
	})
}

// isNotFound reports whether err is a store not-found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
