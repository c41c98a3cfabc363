// ABOUTME: Sentinel errors for the conversation orchestrator
// ABOUTME: Store errors (not found, invalid transition) pass through wrapped

package conversation

import (
	"errors"

	"github.com/2389/coven-support/internal/store"
)

var (
	// ErrNoActiveConversation is returned when a send has no explicit target
	// and the session has no current conversation.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrConversationClosed is returned when a turn or a user send targets a
	// closed conversation. It is the store's sentinel, so append errors match too.
	ErrConversationClosed = store.ErrConversationClosed

	// ErrTurnCancelled is returned from Wait when a turn was cancelled before finishing.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrNotCurrent is returned when a deferred append is skipped because the
	// widget moved to another conversation.
	ErrNotCurrent = errors.New("conversation is no longer current")

	// ErrSessionClosed is returned by Session methods after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrShuttingDown is returned when scheduling work on a service that is shutting down.
	ErrShuttingDown = errors.New("service shutting down")

	// ErrEmptyMessage is returned when the widget tries to send blank text.
	ErrEmptyMessage = errors.New("message is empty")
)
