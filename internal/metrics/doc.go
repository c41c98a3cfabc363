// Package metrics exposes Prometheus counters for the support widget.
//
// A Collector is passed to conversation.New with WithRecorder and counts
// messages by sender, bot turns by outcome, escalations and recovered
// resolver panics. The gateway also records per-route HTTP traffic and
// mounts Handler at the configured metrics path.
package metrics
