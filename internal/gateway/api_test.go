// ABOUTME: Tests for the conversation HTTP API handlers
// ABOUTME: Drives the full route table with httptest against the demo seed

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-support/internal/analytics"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/conversation"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/transcript"
)

// doRequest sends a request through the gateway's full handler.
func doRequest(t *testing.T, gw *Gateway, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeBody decodes a JSON response body into T.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, rec)["error"]
}

func TestListConversations(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	convs := decodeBody[[]store.Conversation](t, rec)
	require.Len(t, convs, 3)
	ids := []string{convs[0].ID, convs[1].ID, convs[2].ID}
	assert.ElementsMatch(t, []string{activeConv, waitingConv, closedConv}, ids)
}

func TestListConversations_Filters(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations?status=waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decodeBody[[]store.Conversation](t, rec)
	require.Len(t, convs, 1)
	assert.Equal(t, waitingConv, convs[0].ID)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations?q=PASSWORD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convs = decodeBody[[]store.Conversation](t, rec)
	require.Len(t, convs, 1)
	assert.Equal(t, closedConv, convs[0].ID)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations?q=no-such-text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations", CreateConversationRequest{
		UserID:   "user_noah",
		Metadata: map[string]any{"source": "widget"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	conv := decodeBody[store.Conversation](t, rec)
	assert.True(t, strings.HasPrefix(conv.ID, "conv_"), conv.ID)
	assert.Equal(t, "user_noah", conv.UserID)
	assert.Equal(t, store.StatusWaiting, conv.Status)
	assert.Nil(t, conv.AgentID)
	assert.Equal(t, "widget", conv.Metadata["source"])

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateConversation_Invalid(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"bad json", "{", "invalid JSON body"},
		{"unknown field", `{"userId":"u","color":"red"}`, "invalid JSON body"},
		{"missing user", CreateConversationRequest{}, "userId is required"},
		{"bad status", CreateConversationRequest{UserID: "u", Status: "archived"}, "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, "/api/conversations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantErr)
		})
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/conv_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "conv_missing")
}

func TestUpdateConversation_AssignAndClose(t *testing.T) {
	gw := newTestGateway(t)

	agent := "agent_mike"
	active := store.StatusActive
	rec := doRequest(t, gw, http.MethodPatch, "/api/conversations/"+waitingConv, UpdateConversationRequest{
		AgentID: &agent,
		Status:  &active,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[store.Conversation](t, rec)
	assert.Equal(t, store.StatusActive, conv.Status)
	require.NotNil(t, conv.AgentID)
	assert.Equal(t, "agent_mike", *conv.AgentID)

	closed := store.StatusClosed
	resolved := true
	rec = doRequest(t, gw, http.MethodPatch, "/api/conversations/"+waitingConv, UpdateConversationRequest{
		Status:   &closed,
		Resolved: &resolved,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	conv = decodeBody[store.Conversation](t, rec)
	assert.Equal(t, store.StatusClosed, conv.Status)
	assert.True(t, conv.Resolved())
}

func TestUpdateConversation_CloseUnresolved(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPatch, "/api/conversations/"+activeConv, `{"status":"closed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[store.Conversation](t, rec)
	assert.Equal(t, store.StatusClosed, conv.Status)
	assert.Equal(t, false, conv.Metadata["resolved"])
}

func TestUpdateConversation_InvalidTransition(t *testing.T) {
	gw := newTestGateway(t)

	// waiting cannot jump straight to closed
	rec := doRequest(t, gw, http.MethodPatch, "/api/conversations/"+waitingConv, `{"status":"closed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// and closed never reopens
	rec = doRequest(t, gw, http.MethodPatch, "/api/conversations/"+closedConv, `{"status":"active"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodPatch, "/api/conversations/conv_missing", `{"status":"active"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodDelete, "/api/conversations/"+activeConv, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/"+activeConv, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/api/conversations/"+activeConv, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+activeConv+"/messages", SendMessageRequest{
		Sender:  store.SenderAgent,
		Content: "  I've filed the claim.  ",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeBody[SendMessageResponse](t, rec)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "I've filed the claim.", resp.Message.Content)
	assert.Equal(t, store.SenderAgent, resp.Message.Sender)
	assert.Equal(t, store.MessageTypeText, resp.Message.Type)
	assert.Empty(t, resp.TurnID, "agent sends never start a bot turn")
	assert.False(t, resp.Replayed)

	msgs, err := gw.store.ListMessages(t.Context(), activeConv)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestSendMessage_SystemNotice(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+activeConv+"/messages",
		`{"sender":"agent","content":"Sarah joined the chat","type":"system"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[SendMessageResponse](t, rec)
	assert.Equal(t, store.MessageTypeSystem, resp.Message.Type)
}

func TestSendMessage_BotReply(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Store.Seed = config.SeedNone })

	conv, err := gw.conversation.CreateConversation(t.Context(), store.NewConversation{UserID: "user_ava"})
	require.NoError(t, err)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{
		Sender:   store.SenderUser,
		Content:  "What are your hours?",
		BotReply: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[SendMessageResponse](t, rec)
	assert.NotEmpty(t, resp.TurnID)

	require.Eventually(t, func() bool {
		msgs, err := gw.store.ListMessages(t.Context(), conv.ID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := gw.store.ListMessages(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, store.SenderBot, msgs[1].Sender)

	// hours does not escalate, so no agent ever joins
	require.Eventually(t, func() bool { return gw.conversation.PendingTurns() == 0 }, 2*time.Second, 10*time.Millisecond)
	got, err := gw.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, got.Status)
	assert.Len(t, got.Messages, 2)
}

func TestSendMessage_BotReplyEscalates(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Store.Seed = config.SeedNone })

	conv, err := gw.conversation.CreateConversation(t.Context(), store.NewConversation{UserID: "user_ava"})
	require.NoError(t, err)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", SendMessageRequest{
		Sender:   store.SenderUser,
		Content:  "I want a refund",
		BotReply: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool { return gw.conversation.PendingTurns() == 0 }, 2*time.Second, 10*time.Millisecond)

	got, err := gw.store.GetConversation(t.Context(), conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, store.SenderAgent, got.Messages[2].Sender)
	assert.Equal(t, gw.config.Turns.HandoffText, got.Messages[2].Content)
	assert.Equal(t, store.StatusActive, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "agent_sarah", *got.AgentID)
}

func TestSendMessage_BotReplyOnClosedConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+closedConv+"/messages", SendMessageRequest{
		Sender:   store.SenderUser,
		Content:  "hello again",
		BotReply: true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	msgs, err := gw.store.ListMessages(t.Context(), closedConv)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "nothing is appended when the turn cannot start")
}

func TestSendMessage_BotReplyWhileShuttingDown(t *testing.T) {
	gw := newTestGateway(t)
	path := "/api/conversations/" + activeConv + "/messages"
	body := SendMessageRequest{Sender: store.SenderUser, Content: "hello", BotReply: true}

	before, err := gw.store.ListMessages(t.Context(), activeConv)
	require.NoError(t, err)
	require.NoError(t, gw.conversation.Shutdown(t.Context()))

	for range 2 {
		rec := doRequest(t, gw, http.MethodPost, path, body, "Idempotency-Key", "retry-1")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}

	after, err := gw.store.ListMessages(t.Context(), activeConv)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a failed send must not store the message")
}

func TestSendMessage_Invalid(t *testing.T) {
	gw := newTestGateway(t)
	path := "/api/conversations/" + activeConv + "/messages"

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"bad json", "not json", "invalid JSON body"},
		{"blank content", SendMessageRequest{Sender: store.SenderUser, Content: " \n\t"}, "content is required"},
		{"missing sender", SendMessageRequest{Content: "hi"}, "sender is required"},
		{"unknown sender", SendMessageRequest{Sender: "robot", Content: "hi"}, "sender must be"},
		{"unknown type", `{"sender":"user","content":"hi","type":"image"}`, "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantErr)
		})
	}

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv_missing/messages",
		SendMessageRequest{Sender: store.SenderUser, Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessage_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)
	path := "/api/conversations/" + activeConv + "/messages"
	body := SendMessageRequest{Sender: store.SenderUser, Content: "Any update?"}

	first := doRequest(t, gw, http.MethodPost, path, body, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusCreated, first.Code)
	firstResp := decodeBody[SendMessageResponse](t, first)
	assert.False(t, firstResp.Replayed)

	second := doRequest(t, gw, http.MethodPost, path, body, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusOK, second.Code)
	secondResp := decodeBody[SendMessageResponse](t, second)
	assert.True(t, secondResp.Replayed)
	assert.Equal(t, firstResp.Message.ID, secondResp.Message.ID)

	msgs, err := gw.store.ListMessages(t.Context(), activeConv)
	require.NoError(t, err)
	assert.Len(t, msgs, 5, "the retry must not append again")

	// A different key is a different send
	third := doRequest(t, gw, http.MethodPost, path, body, "Idempotency-Key", "retry-2")
	require.Equal(t, http.StatusCreated, third.Code)

	// The same key on another conversation is unrelated
	other := doRequest(t, gw, http.MethodPost, "/api/conversations/"+waitingConv+"/messages", body, "Idempotency-Key", "retry-1")
	require.Equal(t, http.StatusCreated, other.Code)
}

func TestSendMessage_IdempotencyKeyNotStoredOnError(t *testing.T) {
	gw := newTestGateway(t)
	path := "/api/conversations/" + activeConv + "/messages"

	rec := doRequest(t, gw, http.MethodPost, path, `{"sender":"user","content":"hi","type":"image"}`, "Idempotency-Key", "k")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, path, SendMessageRequest{Sender: store.SenderUser, Content: "hi"}, "Idempotency-Key", "k")
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestMarkReadAndUnread(t *testing.T) {
	gw := newTestGateway(t)
	base := "/api/conversations/" + activeConv

	rec := doRequest(t, gw, http.MethodGet, base+"/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	unread := decodeBody[ReadResponse](t, rec)
	assert.Equal(t, "agent", unread.Viewer)
	require.NotNil(t, unread.Unread)
	assert.Equal(t, 1, *unread.Unread)

	rec = doRequest(t, gw, http.MethodGet, base+"/unread?viewer=user", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	unread = decodeBody[ReadResponse](t, rec)
	assert.Equal(t, 1, *unread.Unread, "the agent's reply is unread from the widget")

	rec = doRequest(t, gw, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	marked := decodeBody[ReadResponse](t, rec)
	require.NotNil(t, marked.Marked)
	assert.Equal(t, 1, *marked.Marked)
	assert.Nil(t, marked.Unread)

	rec = doRequest(t, gw, http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, *decodeBody[ReadResponse](t, rec).Marked)

	rec = doRequest(t, gw, http.MethodGet, base+"/unread?viewer=user", nil)
	assert.Equal(t, 1, *decodeBody[ReadResponse](t, rec).Unread, "marking for agents leaves the widget view alone")
}

func TestMarkRead_Errors(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/"+activeConv+"/read?viewer=admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/conv_missing/unread", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTranscript(t *testing.T) {
	gw := newTestGateway(t)
	base := "/api/conversations/" + activeConv + "/transcript"

	rec := doRequest(t, gw, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, transcript.FormatMarkdown.ContentType(), rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `# Conversation conv\_1700000000000\_1`)

	rec = doRequest(t, gw, http.MethodGet, base+"?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, transcript.FormatHTML.ContentType(), rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<title>Conversation conv_1700000000000_1</title>")

	rec = doRequest(t, gw, http.MethodGet, base+"?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/conv_missing/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"totalChats":3,"activeChats":1,"waitingChats":1,"closedChats":1}`, rec.Body.String())
}

func TestAnalytics(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/analytics/overview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	overview := decodeBody[analytics.Overview](t, rec)
	assert.Equal(t, 3, overview.TotalConversations)
	assert.Equal(t, 9, overview.TotalMessages)

	rec = doRequest(t, gw, http.MethodGet, "/api/analytics/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]analytics.DailyPoint](t, rec), 7)

	rec = doRequest(t, gw, http.MethodGet, "/api/analytics/daily?period=30days", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]analytics.DailyPoint](t, rec), 30)

	rec = doRequest(t, gw, http.MethodGet, "/api/analytics/daily?period=year", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuickReplies(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/api/bot/quick-replies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[QuickRepliesResponse](t, rec)
	require.Len(t, resp.QuickReplies, 4)
	assert.Equal(t, "Hello! How can I help you?", resp.QuickReplies[0])
}

func TestMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t)

	rec := doRequest(t, gw, http.MethodPut, "/api/conversations/"+activeConv, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&store.NotFoundError{Kind: "conversation", ID: "c"}, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", store.ErrInvalidInput), http.StatusBadRequest},
		{conversation.ErrEmptyMessage, http.StatusBadRequest},
		{conversation.ErrNoActiveConversation, http.StatusBadRequest},
		{analytics.ErrUnknownPeriod, http.StatusBadRequest},
		{transcript.ErrUnknownFormat, http.StatusBadRequest},
		{store.ErrInvalidTransition, http.StatusConflict},
		{conversation.ErrConversationClosed, http.StatusConflict},
		{conversation.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}

func TestSendServiceError_HidesInternalErrors(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.sendServiceError(rec, "test", errors.New("connection string with secrets"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", errorMessage(t, rec))
}
