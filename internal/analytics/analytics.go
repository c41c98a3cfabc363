// ABOUTME: Dashboard analytics computed from stored conversations
// ABOUTME: Overview totals, resolution rate, first-response time and daily series

package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/coven-support/internal/store"
)

// ErrUnknownPeriod is returned by Daily for a period other than 7days, 30days or 90days
var ErrUnknownPeriod = errors.New("unknown period")

// Period names a trailing window of days.
type Period string

const (
	Period7Days  Period = "7days"
	Period30Days Period = "30days"
	Period90Days Period = "90days"
)

// Days returns the window length.
func (p Period) Days() (int, error) {
	switch p {
	case Period7Days:
		return 7, nil
	case Period30Days:
		return 30, nil
	case Period90Days:
		return 90, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPeriod, string(p))
}

// Overview summarizes every stored conversation.
type Overview struct {
	TotalConversations int `json:"totalConversations"`
	TotalMessages      int `json:"totalMessages"`
	TotalUsers         int `json:"totalUsers"`
	// ActiveAgents counts distinct agents assigned to active conversations.
	ActiveAgents int `json:"activeAgents"`
	// Escalations counts conversations an agent has written in.
	Escalations int `json:"escalations"`
	// ResolutionRate is the percentage of conversations resolved or closed, rounded.
	ResolutionRate int `json:"resolutionRate"`
	// AvgFirstResponseMs is the mean delay from a conversation's first user
	// message to the first bot or agent message after it.
	AvgFirstResponseMs int64 `json:"avgFirstResponseMs"`
}

// DailyPoint is one day of activity, dated in UTC.
type DailyPoint struct {
	Date          string `json:"date"`
	Conversations int    `json:"conversations"`
	Messages      int    `json:"messages"`
	Users         int    `json:"users"`
}

// Analyzer reads conversations from a store and aggregates them.
type Analyzer struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithClock pins "today" for Daily.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// New creates an Analyzer over st.
func New(st store.Store, opts ...Option) *Analyzer {
	a := &Analyzer{store: st, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "analytics")
	return a
}

// Overview computes totals over all conversations.
func (a *Analyzer) Overview(ctx context.Context) (Overview, error) {
	convs, err := a.store.ListConversations(ctx, store.ListFilter{})
	if err != nil {
		return Overview{}, fmt.Errorf("loading conversations: %w", err)
	}
	return ComputeOverview(convs), nil
}

// Daily returns one point per day of the period, oldest first, ending today.
func (a *Analyzer) Daily(ctx context.Context, period Period) ([]DailyPoint, error) {
	days, err := period.Days()
	if err != nil {
		return nil, err
	}
	convs, err := a.store.ListConversations(ctx, store.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}
	a.logger.Debug("computing daily series", "period", period, "conversations", len(convs))
	return ComputeDaily(convs, days, a.now()), nil
}

// ComputeOverview aggregates conversations that have their messages loaded.
func ComputeOverview(convs []*store.Conversation) Overview {
	o := Overview{TotalConversations: len(convs)}

	users := make(map[string]struct{})
	agents := make(map[string]struct{})
	resolved := 0
	var responseTotal time.Duration
	responses := 0

	for _, c := range convs {
		o.TotalMessages += len(c.Messages)
		users[c.UserID] = struct{}{}
		if c.Status == store.StatusActive && c.AgentID != nil {
			agents[*c.AgentID] = struct{}{}
		}
		if c.Resolved() || c.Status == store.StatusClosed {
			resolved++
		}
		if hasAgentMessage(c.Messages) {
			o.Escalations++
		}
		if d, ok := firstResponse(c.Messages); ok {
			responseTotal += d
			responses++
		}
	}

	o.TotalUsers = len(users)
	o.ActiveAgents = len(agents)
	if o.TotalConversations > 0 {
		o.ResolutionRate = int(math.Round(float64(resolved) / float64(o.TotalConversations) * 100))
	}
	if responses > 0 {
		o.AvgFirstResponseMs = (responseTotal / time.Duration(responses)).Milliseconds()
	}
	return o
}

// ComputeDaily buckets conversations and messages into the days UTC
// calendar days ending on now.
func ComputeDaily(convs []*store.Conversation, days int, now time.Time) []DailyPoint {
	if days <= 0 {
		return nil
	}
	end := now.UTC()
	points := make([]DailyPoint, days)
	index := make(map[string]int, days)
	users := make([]map[string]struct{}, days)
	for i := range days {
		date := end.AddDate(0, 0, i-days+1).Format(time.DateOnly)
		points[i].Date = date
		index[date] = i
		users[i] = make(map[string]struct{})
	}

	for _, c := range convs {
		if i, ok := index[c.CreatedAt.UTC().Format(time.DateOnly)]; ok {
			points[i].Conversations++
			users[i][c.UserID] = struct{}{}
		}
		for _, m := range c.Messages {
			if i, ok := index[m.Timestamp.UTC().Format(time.DateOnly)]; ok {
				points[i].Messages++
				users[i][c.UserID] = struct{}{}
			}
		}
	}

	for i := range points {
		points[i].Users = len(users[i])
	}
	return points
}

func hasAgentMessage(msgs []*store.Message) bool {
	for _, m := range msgs {
		if m.Sender == store.SenderAgent {
			return true
		}
	}
	return false
}

// firstResponse finds the delay between the first user message and the
// first bot or agent message that follows it.
func firstResponse(msgs []*store.Message) (time.Duration, bool) {
	var asked *store.Message
	for _, m := range msgs {
		if asked == nil {
			if m.Sender == store.SenderUser {
				asked = m
			}
			continue
		}
		if m.Sender != store.SenderUser {
			d := m.Timestamp.Sub(asked.Timestamp)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}
