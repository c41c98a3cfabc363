// ABOUTME: Keyword resolver that maps user text to a scripted reply or an escalation
// ABOUTME: First matching rule wins; the reply within a rule is drawn from a seedable source

package bot

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// FailureReply is sent when the resolver itself cannot produce an answer.
// It always escalates.
const FailureReply = "I'm sorry, I'm having trouble processing your request right now. Let me connect you with a human agent."

var defaultFallbacks = []string{
	"I understand you're looking for help. Let me connect you with one of our human agents who can better assist you with this specific question.",
	"That's an interesting question! I'd like to transfer you to a specialist who can provide you with detailed information about this topic.",
	"I want to make sure you get the most accurate information. Let me connect you with a human agent who can help you with this inquiry.",
	"I'm not quite sure about that specific question, but our support team definitely can help! Let me transfer you to an agent.",
}

// DefaultFallbacks returns the replies used when no rule matches.
func DefaultFallbacks() []string {
	return append([]string(nil), defaultFallbacks...)
}

// escalationTriggers are the substrings the legacy widget scanned for.
var escalationTriggers = []string{"transfer", "agent"}

// ContainsEscalationTrigger reports whether reply mentions a transfer or an agent.
func ContainsEscalationTrigger(reply string) bool {
	lower := strings.ToLower(reply)
	for _, t := range escalationTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Result is the outcome of resolving one user message.
type Result struct {
	Reply    string `json:"reply"`
	Escalate bool   `json:"escalate"`
	Matched  bool   `json:"matched"`
	Rule     string `json:"rule,omitempty"` // name of the matched rule
}

// compiledRule holds a rule with its keywords lower-cased once up front.
type compiledRule struct {
	Rule
	keywords []string
}

// Resolver answers user messages from an immutable rule table.
// It is safe for concurrent use.
type Resolver struct {
	rules        []compiledRule
	quickReplies []string
	fallbacks    []string
	triggerScan  bool
	logger       *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Resolver
type Option func(*Resolver)

// WithRand sets the random source used to pick replies.
func WithRand(rng *rand.Rand) Option {
	return func(r *Resolver) {
		r.rng = rng
	}
}

// WithSeed makes reply selection reproducible.
func WithSeed(seed int64) Option {
	return WithRand(rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)))
}

// WithFallbacks replaces the no-match replies. Empty input is ignored.
func WithFallbacks(replies ...string) Option {
	return func(r *Resolver) {
		if len(replies) > 0 {
			r.fallbacks = append([]string(nil), replies...)
		}
	}
}

// WithTriggerScan additionally escalates whenever the chosen reply mentions
// "transfer" or "agent". Older widget builds decided handoffs this way.
func WithTriggerScan() Option {
	return func(r *Resolver) {
		r.triggerScan = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver builds a Resolver over set. A nil set behaves as an empty table.
func NewResolver(set *RuleSet, opts ...Option) (*Resolver, error) {
	if set == nil {
		set = &RuleSet{}
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	r := &Resolver{
		fallbacks:    DefaultFallbacks(),
		quickReplies: append([]string(nil), set.QuickReplies...),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "bot")
	if r.rng == nil {
		WithSeed(time.Now().UnixNano())(r)
	}

	r.rules = make([]compiledRule, len(set.Rules))
	for i, rule := range set.Rules {
		c := compiledRule{
			Rule: Rule{
				Name:      rule.Name,
				Keywords:  append([]string(nil), rule.Keywords...),
				Responses: append([]string(nil), rule.Responses...),
				Escalate:  rule.Escalate,
			},
			keywords: make([]string, len(rule.Keywords)),
		}
		for j, kw := range rule.Keywords {
			c.keywords[j] = strings.ToLower(kw)
		}
		r.rules[i] = c
	}

	return r, nil
}

// Resolve picks a reply for message. It never fails: unmatched input gets a
// fallback reply that escalates.
func (r *Resolver) Resolve(message string) Result {
	lower := strings.ToLower(message)

	for _, rule := range r.rules {
		if !rule.matches(lower) {
			continue
		}
		reply := r.pick(rule.Responses)
		result := Result{
			Reply:    reply,
			Escalate: rule.Escalate || (r.triggerScan && ContainsEscalationTrigger(reply)),
			Matched:  true,
			Rule:     rule.Name,
		}
		r.logger.Debug("rule matched", "rule", rule.Name, "escalate", result.Escalate)
		return result
	}

	r.logger.Debug("no rule matched, escalating")
	return Result{
		Reply:    r.pick(r.fallbacks),
		Escalate: true,
	}
}

// Match returns the first rule whose keywords appear in message, without
// drawing a reply.
func (r *Resolver) Match(message string) (Rule, bool) {
	lower := strings.ToLower(message)
	for _, rule := range r.rules {
		if rule.matches(lower) {
			return rule.Rule, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the rule table in match order.
func (r *Resolver) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Rule
		out[i].Keywords = append([]string(nil), rule.Keywords...)
		out[i].Responses = append([]string(nil), rule.Responses...)
	}
	return out
}

// QuickReplies returns the canned replies offered to agents.
func (r *Resolver) QuickReplies() []string {
	return append([]string(nil), r.quickReplies...)
}

func (c compiledRule) matches(lower string) bool {
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// pick draws uniformly from choices.
func (r *Resolver) pick(choices []string) string {
	if len(choices) == 0 {
		return FailureReply
	}
	r.mu.Lock()
	i := r.rng.IntN(len(choices))
	r.mu.Unlock()
	return choices[i]
}
