// Package analytics computes the agent dashboard's numbers from real
// conversation data: totals, resolution rate, average first response and
// a per-day series over 7, 30 or 90 days.
package analytics
