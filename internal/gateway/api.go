// ABOUTME: HTTP API handlers for conversations, messages, read state and reporting.
// ABOUTME: JSON in and out; bot turns are started here and delivered over SSE.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389/coven-support/internal/analytics"
	"github.com/2389/coven-support/internal/conversation"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/transcript"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	UserID   string         `json:"userId"`
	AgentID  *string        `json:"agentId,omitempty"`
	Status   store.Status   `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
// Setting status to closed closes the conversation, with resolved recorded in metadata.
type UpdateConversationRequest struct {
	UserID     *string        `json:"userId,omitempty"`
	AgentID    *string        `json:"agentId,omitempty"`
	ClearAgent bool           `json:"clearAgent,omitempty"`
	Status     *store.Status  `json:"status,omitempty"`
	Resolved   *bool          `json:"resolved,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Sender   store.Sender      `json:"sender"`
	Content  string            `json:"content"`
	Type     store.MessageType `json:"type,omitempty"`
	BotReply bool              `json:"bot_reply,omitempty"`
}

// SendMessageResponse is the JSON response for a message send. TurnID is set
// when a bot turn was scheduled; its progress arrives on the events stream.
type SendMessageResponse struct {
	Message  *store.Message `json:"message"`
	TurnID   string         `json:"turnId,omitempty"`
	Replayed bool           `json:"replayed,omitempty"`
}

// ReadResponse is the JSON response for read-state endpoints.
type ReadResponse struct {
	ConversationID string `json:"conversationId"`
	Viewer         string `json:"viewer"`
	Marked         *int   `json:"marked,omitempty"`
	Unread         *int   `json:"unread,omitempty"`
}

// QuickRepliesResponse is the JSON response for GET /api/bot/quick-replies.
type QuickRepliesResponse struct {
	QuickReplies []string `json:"quickReplies"`
}

// handleListConversations handles GET /api/conversations?status=&q=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: store.Status(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	convs, err := g.conversation.ListConversations(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.sendJSON(w, http.StatusOK, convs)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conv, err := g.conversation.CreateConversation(r.Context(), store.NewConversation{
		UserID:   req.UserID,
		AgentID:  req.AgentID,
		Status:   req.Status,
		Metadata: req.Metadata,
	})
	if err != nil {
		g.sendServiceError(w, "create conversation", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, conv)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, "get conversation", err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	patch := store.Patch{
		UserID:     req.UserID,
		AgentID:    req.AgentID,
		ClearAgent: req.ClearAgent,
		Status:     req.Status,
		Metadata:   req.Metadata,
	}
	if req.Status != nil && *req.Status == store.StatusClosed {
		if patch.Metadata == nil {
			patch.Metadata = map[string]any{}
		}
		patch.Metadata["resolved"] = req.Resolved != nil && *req.Resolved
	}

	conv, err := g.conversation.UpdateConversation(r.Context(), id, patch)
	if err != nil {
		g.sendServiceError(w, "update conversation", err)
		return
	}
	g.sendJSON(w, http.StatusOK, conv)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		g.sendServiceError(w, "delete conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// A user message with bot_reply set schedules a bot turn. Requests that carry
// an Idempotency-Key header are answered from the first result while the key
// is remembered.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	req, err := parseSendRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	send := func() (*SendMessageResponse, error) {
		return g.sendMessage(r, id, req)
	}

	var resp *SendMessageResponse
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		var replayed bool
		resp, replayed, err = g.dedupe.Do(id+"|"+key, send)
		if err == nil && replayed {
			g.logger.Debug("replaying idempotent send", "conversation_id", id, "idempotency_key", key)
			replay := *resp
			replay.Replayed = true
			resp = &replay
		}
	} else {
		resp, err = send()
	}
	if err != nil {
		g.sendServiceError(w, "send message", err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	g.sendJSON(w, status, resp)
}

// sendMessage appends the message and, when asked, starts the bot turn.
func (g *Gateway) sendMessage(r *http.Request, conversationID string, req *SendMessageRequest) (*SendMessageResponse, error) {
	msg := store.NewMessage{
		ConversationID: conversationID,
		Sender:         req.Sender,
		Content:        req.Content,
		Type:           req.Type,
	}

	if req.BotReply && req.Sender == store.SenderUser {
		// The turn outlives the request; it is parented on the service
		saved, turn, err := g.conversation.SendUserMessage(r.Context(), msg)
		if err != nil {
			return nil, err
		}
		return &SendMessageResponse{Message: saved, TurnID: turn.ID}, nil
	}

	saved, err := g.conversation.AppendMessage(r.Context(), msg)
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{Message: saved}, nil
}

// parseSendRequest decodes and validates a SendMessageRequest.
func parseSendRequest(r *http.Request) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.Sender == "" {
		return nil, errors.New("sender is required")
	}
	if !req.Sender.Valid() {
		return nil, errors.New("sender must be user, bot or agent")
	}
	return &req, nil
}

// parseViewer reads ?viewer=, defaulting to the agent dashboard's view.
func parseViewer(r *http.Request) (store.Sender, error) {
	viewer := store.Sender(r.URL.Query().Get("viewer"))
	if viewer == "" {
		return store.SenderAgent, nil
	}
	if !viewer.Valid() {
		return "", errors.New("viewer must be user, bot or agent")
	}
	return viewer, nil
}

// handleMarkRead handles POST /api/conversations/{id}/read?viewer=.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	viewer, err := parseViewer(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")

	n, err := g.conversation.MarkReadFor(r.Context(), id, viewer)
	if err != nil {
		g.sendServiceError(w, "mark read", err)
		return
	}
	g.sendJSON(w, http.StatusOK, ReadResponse{ConversationID: id, Viewer: string(viewer), Marked: &n})
}

// handleUnreadCount handles GET /api/conversations/{id}/unread?viewer=.
func (g *Gateway) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	viewer, err := parseViewer(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")

	n, err := g.conversation.UnreadCountFor(r.Context(), id, viewer)
	if err != nil {
		g.sendServiceError(w, "unread count", err)
		return
	}
	g.sendJSON(w, http.StatusOK, ReadResponse{ConversationID: id, Viewer: string(viewer), Unread: &n})
}

// handleTranscript handles GET /api/conversations/{id}/transcript?format=md|html.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.conversation.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, "transcript", err)
		return
	}

	body, err := transcript.Render(conv, format)
	if err != nil {
		g.sendServiceError(w, "render transcript", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.conversation.GetStats(r.Context())
	if err != nil {
		g.sendServiceError(w, "stats", err)
		return
	}
	g.sendJSON(w, http.StatusOK, stats)
}

// handleAnalyticsOverview handles GET /api/analytics/overview.
func (g *Gateway) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := g.analytics.Overview(r.Context())
	if err != nil {
		g.sendServiceError(w, "analytics overview", err)
		return
	}
	g.sendJSON(w, http.StatusOK, overview)
}

// handleAnalyticsDaily handles GET /api/analytics/daily?period=7days|30days|90days.
func (g *Gateway) handleAnalyticsDaily(w http.ResponseWriter, r *http.Request) {
	period := analytics.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = analytics.Period7Days
	}

	points, err := g.analytics.Daily(r.Context(), period)
	if err != nil {
		g.sendServiceError(w, "analytics daily", err)
		return
	}
	g.sendJSON(w, http.StatusOK, points)
}

// handleQuickReplies handles GET /api/bot/quick-replies.
func (g *Gateway) handleQuickReplies(w http.ResponseWriter, r *http.Request) {
	replies := g.resolver.QuickReplies()
	if replies == nil {
		replies = []string{}
	}
	g.sendJSON(w, http.StatusOK, QuickRepliesResponse{QuickReplies: replies})
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendServiceError maps service and store errors onto HTTP status codes.
func (g *Gateway) sendServiceError(w http.ResponseWriter, op string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "op", op, "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// statusForError returns the HTTP status for a domain error.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrNoActiveConversation),
		errors.Is(err, analytics.ErrUnknownPeriod),
		errors.Is(err, transcript.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, conversation.ErrConversationClosed):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
