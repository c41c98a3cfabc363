// ABOUTME: Deferred bot/agent turns with a small state machine and cancellation
// ABOUTME: Each append re-checks that the target conversation is still valid and current

package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-support/internal/store"
)

// TurnState is a step in one widget exchange:
//
//	idle -> user_message_sent -> bot_processing -> bot_reply_sent -> escalation_check
//	     -> [agent_processing -> agent_reply_sent] -> idle
type TurnState string

const (
	TurnIdle            TurnState = "idle"
	TurnUserMessageSent TurnState = "user_message_sent"
	TurnBotProcessing   TurnState = "bot_processing"
	TurnBotReplySent    TurnState = "bot_reply_sent"
	TurnEscalationCheck TurnState = "escalation_check"
	TurnAgentProcessing TurnState = "agent_processing"
	TurnAgentReplySent  TurnState = "agent_reply_sent"
)

// Typing reports whether the state shows a typing indicator.
func (s TurnState) Typing() bool {
	return s == TurnBotProcessing || s == TurnAgentProcessing
}

// TurnOutcome summarizes how a turn ended
type TurnOutcome string

const (
	OutcomeReplied   TurnOutcome = "replied"
	OutcomeEscalated TurnOutcome = "escalated"
	OutcomeCancelled TurnOutcome = "cancelled"
	OutcomeSkipped   TurnOutcome = "skipped" // target deleted, closed or no longer current
	OutcomeFailed    TurnOutcome = "failed"
)

// TurnResult is what a finished turn produced. BotMessage and AgentMessage
// are nil when the turn stopped before appending them.
type TurnResult struct {
	BotMessage   *store.Message `json:"botMessage,omitempty"`
	Escalated    bool           `json:"escalated"`
	AgentMessage *store.Message `json:"agentMessage,omitempty"`
	Rule         string         `json:"rule,omitempty"`
	Outcome      TurnOutcome    `json:"outcome"`
}

// Guard is consulted before every deferred append; returning false skips the append.
type Guard func() bool

type turnConfig struct {
	guard Guard
}

// TurnOption configures a single turn
type TurnOption func(*turnConfig)

// WithGuard adds a check run before each deferred append.
func WithGuard(g Guard) TurnOption {
	return func(c *turnConfig) {
		c.guard = g
	}
}

// Turn is one scheduled bot reply, plus the agent handoff when the bot escalates.
type Turn struct {
	ID             string
	ConversationID string
	UserMessage    string

	ctx    context.Context
	cancel context.CancelFunc
	guard  Guard
	done   chan struct{}

	mu      sync.Mutex
	state   TurnState
	history []TurnState
	result  TurnResult
	err     error
}

// State returns the current state.
func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// States returns every state the turn has passed through, in order.
func (t *Turn) States() []TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TurnState(nil), t.history...)
}

// Cancel aborts the turn. Appends that already happened stay; nothing
// further is appended. Safe to call more than once.
func (t *Turn) Cancel() {
	t.cancel()
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn finishes or ctx ends. The error is nil for
// replied and escalated turns.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

func (t *Turn) setState(state TurnState) {
	t.mu.Lock()
	t.state = state
	t.history = append(t.history, state)
	t.mu.Unlock()
}

// StartBotTurn schedules the bot's reply to userMessage on a conversation and
// returns immediately. Turns on the same conversation run one after another.
func (s *Service) StartBotTurn(ctx context.Context, conversationID, userMessage string, opts ...TurnOption) (*Turn, error) {
	var cfg turnConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == store.StatusClosed {
		return nil, ErrConversationClosed
	}

	if err := s.reserveTurn(); err != nil {
		return nil, err
	}
	return s.launchTurn(conversationID, userMessage, cfg), nil
}

// SendUserMessage records a user message and schedules the bot's reply to it.
// Nothing is stored when the conversation is closed or the service is
// stopping, and once the message is stored the turn always starts.
func (s *Service) SendUserMessage(ctx context.Context, msg store.NewMessage, opts ...TurnOption) (*store.Message, *Turn, error) {
	var cfg turnConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := s.reserveTurn(); err != nil {
		return nil, nil, err
	}
	msg.Sender = store.SenderUser
	msg.RequireOpen = true
	saved, err := s.AppendMessage(ctx, msg)
	if err != nil {
		s.wg.Done()
		return nil, nil, err
	}
	return saved, s.launchTurn(saved.ConversationID, saved.Content, cfg), nil
}

// reserveTurn counts a turn against Shutdown before it exists. Every
// successful reservation must be followed by launchTurn or wg.Done.
func (s *Service) reserveTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	return nil
}

// launchTurn registers and starts a reserved turn. If Shutdown ran after the
// reservation the turn context is already cancelled and the turn ends at once.
func (s *Service) launchTurn(conversationID, userMessage string, cfg turnConfig) *Turn {
	s.mu.Lock()
	turnCtx, cancel := context.WithCancel(s.base)
	t := &Turn{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserMessage:    userMessage,
		ctx:            turnCtx,
		cancel:         cancel,
		guard:          cfg.guard,
		done:           make(chan struct{}),
		state:          TurnUserMessageSent,
		history:        []TurnState{TurnIdle, TurnUserMessageSent},
	}
	prev := s.tails[conversationID]
	s.tails[conversationID] = t
	s.turns[t.ID] = t
	s.mu.Unlock()

	s.recorder.TurnStarted()
	s.logger.Debug("turn scheduled", "turn_id", t.ID, "conversation_id", conversationID, "queued", prev != nil)

	go s.runTurn(t, prev)
	return t
}

// RunBotTurn runs a turn to completion. If ctx ends first the turn is cancelled.
func (s *Service) RunBotTurn(ctx context.Context, conversationID, userMessage string, opts ...TurnOption) (TurnResult, error) {
	t, err := s.StartBotTurn(ctx, conversationID, userMessage, opts...)
	if err != nil {
		return TurnResult{}, err
	}
	result, err := t.Wait(ctx)
	if ctx.Err() != nil {
		t.Cancel()
	}
	return result, err
}

// PendingTurns returns the number of turns that have not finished.
func (s *Service) PendingTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// cancelTurns cancels every pending turn on a conversation.
func (s *Service) cancelTurns(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			t.cancel()
		}
	}
}

func (s *Service) runTurn(t *Turn, prev *Turn) {
	defer s.wg.Done()
	start := time.Now()

	result, err := s.executeTurn(t, prev)
	if result.Outcome == "" {
		result.Outcome = outcomeFor(err)
	}

	s.transition(t, TurnIdle)

	t.mu.Lock()
	t.result = result
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)

	s.mu.Lock()
	delete(s.turns, t.ID)
	if s.tails[t.ConversationID] == t {
		delete(s.tails, t.ConversationID)
	}
	s.mu.Unlock()

	s.recorder.TurnFinished(result.Outcome, time.Since(start))

	logger := s.logger.With("turn_id", t.ID, "conversation_id", t.ConversationID, "outcome", result.Outcome)
	if result.Outcome == OutcomeFailed {
		logger.Error("turn failed", "error", err)
	} else {
		logger.Debug("turn finished", "error", err)
	}
}

// executeTurn walks the state machine. Every early return leaves the
// typing indicator off.
func (s *Service) executeTurn(t *Turn, prev *Turn) (TurnResult, error) {
	var result TurnResult

	if prev != nil {
		select {
		case <-prev.Done():
		case <-t.ctx.Done():
			return result, ErrTurnCancelled
		}
	}

	// Bot reply
	s.transition(t, TurnBotProcessing)
	s.publishTyping(t.ConversationID, store.SenderBot, true)
	if err := sleep(t.ctx, s.botDelay()); err != nil {
		s.publishTyping(t.ConversationID, store.SenderBot, false)
		return result, ErrTurnCancelled
	}
	reply := s.resolve(t.UserMessage)
	s.publishTyping(t.ConversationID, store.SenderBot, false)

	botMsg, err := s.deferredAppend(t, store.SenderBot, reply.Reply)
	if err != nil {
		return result, err
	}
	result.BotMessage = botMsg
	result.Rule = reply.Rule
	s.transition(t, TurnBotReplySent)

	// Escalation
	s.transition(t, TurnEscalationCheck)
	if !reply.Escalate {
		result.Outcome = OutcomeReplied
		return result, nil
	}
	result.Escalated = true
	s.recorder.Escalated()

	if err := sleep(t.ctx, s.timing.AgentPickupDelay); err != nil {
		return result, ErrTurnCancelled
	}
	s.transition(t, TurnAgentProcessing)
	s.publishTyping(t.ConversationID, store.SenderAgent, true)
	if err := sleep(t.ctx, s.timing.AgentTypingDelay); err != nil {
		s.publishTyping(t.ConversationID, store.SenderAgent, false)
		return result, ErrTurnCancelled
	}
	s.publishTyping(t.ConversationID, store.SenderAgent, false)

	agentMsg, err := s.deferredAppend(t, store.SenderAgent, s.timing.HandoffText)
	if err != nil {
		return result, err
	}
	result.AgentMessage = agentMsg
	s.transition(t, TurnAgentReplySent)
	s.claimForAgent(t)

	result.Outcome = OutcomeEscalated
	return result, nil
}

// deferredAppend re-validates the target and appends one message. The store
// repeats the closed check atomically with the write, so a close racing the
// append still wins.
func (s *Service) deferredAppend(t *Turn, sender store.Sender, content string) (*store.Message, error) {
	if err := s.checkTarget(t); err != nil {
		return nil, err
	}
	msg, err := s.AppendMessage(t.ctx, store.NewMessage{
		ConversationID: t.ConversationID,
		Sender:         sender,
		Content:        content,
		RequireOpen:    true,
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, ErrTurnCancelled
		}
		return nil, err
	}
	return msg, nil
}

// checkTarget reports why a deferred append must not happen, if it must not.
func (s *Service) checkTarget(t *Turn) error {
	if t.ctx.Err() != nil {
		return ErrTurnCancelled
	}
	conv, err := s.store.GetConversation(t.ctx, t.ConversationID)
	if err != nil {
		if t.ctx.Err() != nil {
			return ErrTurnCancelled
		}
		return err
	}
	if conv.Status == store.StatusClosed {
		return ErrConversationClosed
	}
	if t.guard != nil && !t.guard() {
		return ErrNotCurrent
	}
	return nil
}

// claimForAgent records the handoff agent on the conversation. Failures are
// logged only; the handoff message is already out.
func (s *Service) claimForAgent(t *Turn) {
	conv, err := s.store.GetConversation(t.ctx, t.ConversationID)
	if err != nil || conv.AgentID != nil || s.timing.AgentID == "" {
		return
	}
	if _, err := s.AssignAgent(t.ctx, t.ConversationID, s.timing.AgentID); err != nil {
		s.logger.Warn("assigning handoff agent failed", "conversation_id", t.ConversationID, "error", err)
	}
}

func (s *Service) transition(t *Turn, state TurnState) {
	t.setState(state)
	s.broadcaster.Publish(&Event{
		Type:           EventTurnState,
		ConversationID: t.ConversationID,
		Timestamp:      s.now(),
		Turn:           &TurnStatus{ID: t.ID, State: state},
	})
}

func (s *Service) publishTyping(conversationID string, sender store.Sender, active bool) {
	s.broadcaster.Publish(&Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		Timestamp:      s.now(),
		Typing:         &Typing{Sender: sender, Active: active},
	})
}

func outcomeFor(err error) TurnOutcome {
	switch {
	case err == nil:
		return OutcomeReplied
	case errors.Is(err, ErrTurnCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrNotCurrent), errors.Is(err, ErrConversationClosed), isNotFound(err):
		return OutcomeSkipped
	}
	return OutcomeFailed
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
