// ABOUTME: Server-Sent Events streams of live conversation updates
// ABOUTME: Relays broadcaster events (messages, typing, turn states) to widgets and dashboards

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-support/internal/conversation"
)

// sseKeepalive is how often an idle stream gets a comment line so proxies keep it open.
const sseKeepalive = 15 * time.Second

// handleConversationEvents handles GET /api/conversations/{id}/events.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.conversation.GetConversation(r.Context(), id); err != nil {
		g.sendServiceError(w, "subscribe", err)
		return
	}
	g.streamEvents(w, r, id)
}

// handleAllEvents handles GET /api/events, the dashboard feed across every conversation.
func (g *Gateway) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	g.streamEvents(w, r, conversation.AllConversations)
}

// streamEvents subscribes to conversationID and writes each event as SSE
// until the client disconnects or the broadcaster closes.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, conversationID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, subID := g.conversation.Subscribe(ctx, conversationID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "connected", map[string]string{"conversationId": conversationID, "subscriptionId": subID})
	flusher.Flush()

	keepalive := time.NewTicker(g.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
