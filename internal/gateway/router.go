// ABOUTME: Route table for the support HTTP API and its instrumentation middleware
// ABOUTME: Labels request metrics by the matched route pattern, not the raw path

package gateway

import (
	"net/http"
	"strconv"
	"time"
)

// Handler returns the gateway's HTTP handler with every route registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", g.handleUpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/read", g.handleMarkRead)
	mux.HandleFunc("GET /api/conversations/{id}/unread", g.handleUnreadCount)
	mux.HandleFunc("GET /api/conversations/{id}/transcript", g.handleTranscript)
	mux.HandleFunc("GET /api/conversations/{id}/events", g.handleConversationEvents)
	mux.HandleFunc("GET /api/events", g.handleAllEvents)

	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /api/analytics/overview", g.handleAnalyticsOverview)
	mux.HandleFunc("GET /api/analytics/daily", g.handleAnalyticsDaily)
	mux.HandleFunc("GET /api/bot/quick-replies", g.handleQuickReplies)

	if g.metrics == nil {
		return mux
	}
	mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	return g.instrument(mux)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE handlers working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latency per matched route.
func (g *Gateway) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		mux.ServeHTTP(rec, r)

		// ServeMux sets Pattern on the request it was handed
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		g.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
		g.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", strconv.Itoa(rec.status),
			"elapsed", time.Since(start))
	})
}
