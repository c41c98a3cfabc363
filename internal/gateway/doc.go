// Package gateway runs the coven-support HTTP server.
//
// # Overview
//
// The gateway owns every server component: the conversation store, the bot
// resolver, the conversation service with its deferred turns, analytics,
// the idempotency cache and optional Prometheus metrics. New wires them from
// a config.Config; Run listens on TCP or on a Tailscale node and blocks until
// its context is canceled.
//
// # HTTP API
//
//   - GET /health, GET /health/ready - liveness and store readiness
//   - GET, POST /api/conversations - list (?status=, ?q=) and create
//   - GET, PATCH, DELETE /api/conversations/{id}
//   - POST /api/conversations/{id}/messages - append; bot_reply starts a bot turn
//   - POST /api/conversations/{id}/read, GET /api/conversations/{id}/unread
//   - GET /api/conversations/{id}/transcript?format=md|html
//   - GET /api/stats, GET /api/analytics/overview, GET /api/analytics/daily
//   - GET /api/bot/quick-replies
//
// Sends carrying an Idempotency-Key header are answered from the first result
// for as long as idempotency.ttl.
//
// # SSE Streaming
//
// GET /api/conversations/{id}/events streams one conversation and GET
// /api/events streams all of them:
//
//	event: typing
//	data: {"type":"typing","conversationId":"conv_...","typing":{"sender":"bot","active":true}}
//
//	event: message
//	data: {"type":"message","conversationId":"conv_...","message":{...}}
//
// Event types: connected, message, typing, turn_state, conversation_updated,
// conversation_deleted.
package gateway
