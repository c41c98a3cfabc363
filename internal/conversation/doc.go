// Package conversation orchestrates the support widget and agent dashboard.
//
// # Overview
//
// Service is the only entry point collaborators use. It composes a
// store.Store with a bot Responder, publishes live updates through an
// EventBroadcaster, and schedules the deferred bot and agent replies:
//
//	resolver, _ := bot.NewResolver(bot.DefaultRules())
//	svc := conversation.New(st, resolver, conversation.WithLogger(logger))
//	defer svc.Shutdown(ctx)
//
// Key operations:
//
//   - CreateConversation, UpdateConversation, CloseConversation, DeleteConversation
//   - SendMessage(ctx, conversationID, content, sender): record a message
//   - StartBotTurn / RunBotTurn: schedule the bot's reply and any agent handoff
//   - MarkAsRead, GetUnreadCount, GetStats
//
// # Sessions
//
// A Session is one open widget. It remembers the current conversation,
// picked at Start as the newest active one or freshly created, and sends
// default to it. SendMessage without a target and without a current
// conversation fails with ErrNoActiveConversation.
//
// # Turns
//
// A turn walks this state machine:
//
//	idle -> user_message_sent -> bot_processing -> bot_reply_sent -> escalation_check
//	     -> [agent_processing -> agent_reply_sent] -> idle
//
// The processing states are artificial typing delays. Before each deferred
// append the turn re-checks that it was not cancelled, that the conversation
// still exists and is not closed, and that its Guard passes (for sessions:
// still the current conversation and the widget is still open). A failed
// check ends the turn without appending. An escalating turn appends exactly
// one agent handoff message.
//
// Turns on one conversation run in order. Deleting or closing a conversation
// cancels its turns; Session.Close cancels the session's turns; Shutdown
// cancels everything.
//
// A panicking responder never breaks the turn: the bot answers with
// bot.FailureReply and escalates.
//
// # Events
//
// Subscribers receive message, typing, turn_state, conversation_updated and
// conversation_deleted events for one conversation id or for
// AllConversations. Slow subscribers lose events rather than blocking.
package conversation
