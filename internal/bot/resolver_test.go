// ABOUTME: Tests for the keyword resolver
// ABOUTME: Covers first-match ordering, seeded selection, fallback escalation and trigger scanning

package bot

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, set *RuleSet, opts ...Option) *Resolver {
	t.Helper()
	opts = append([]Option{WithSeed(1)}, opts...)
	r, err := NewResolver(set, opts...)
	require.NoError(t, err)
	return r
}

func TestResolve_HelloScenario(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "hello", Keywords: []string{"hello"}, Responses: []string{"Hi there!"}},
	}})

	res := r.Resolve("hello")
	assert.Equal(t, "Hi there!", res.Reply)
	assert.True(t, res.Matched)
	assert.Equal(t, "hello", res.Rule)
	assert.False(t, res.Escalate)
	assert.False(t, ContainsEscalationTrigger(res.Reply))
}

func TestResolve_FirstMatchWins(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "billing", Keywords: []string{"invoice", "refund"}, Responses: []string{"billing"}},
		{Name: "refunds", Keywords: []string{"refund"}, Responses: []string{"refunds"}},
	}})

	for range 20 {
		res := r.Resolve("I want a REFUND for my invoice")
		assert.Equal(t, "billing", res.Rule)
		assert.Equal(t, "billing", res.Reply)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "pricing", Keywords: []string{"Pricing"}, Responses: []string{"$9/month"}},
	}})

	res := r.Resolve("WHAT IS YOUR PRICING?")
	assert.True(t, res.Matched)
	assert.Equal(t, "$9/month", res.Reply)
}

func TestResolve_MatchedRuleIsDeterministic(t *testing.T) {
	set := &RuleSet{Rules: []Rule{
		{Name: "a", Keywords: []string{"ship"}, Responses: []string{"a1", "a2", "a3"}},
		{Name: "b", Keywords: []string{"track"}, Responses: []string{"b1"}},
	}}
	r, err := NewResolver(set) // clock-seeded on purpose
	require.NoError(t, err)

	for range 50 {
		res := r.Resolve("track my shipment")
		assert.Equal(t, "a", res.Rule)
		assert.Contains(t, []string{"a1", "a2", "a3"}, res.Reply)
	}
}

func TestResolve_SameSeedSameReplies(t *testing.T) {
	set := &RuleSet{Rules: []Rule{
		{Name: "greet", Keywords: []string{"hi"}, Responses: []string{"one", "two", "three", "four"}},
	}}

	r1 := newTestResolver(t, set, WithSeed(99))
	r2 := newTestResolver(t, set, WithSeed(99))

	for range 25 {
		assert.Equal(t, r1.Resolve("hi").Reply, r2.Resolve("hi").Reply)
	}
}

func TestResolve_EveryResponseReachable(t *testing.T) {
	responses := []string{"r1", "r2", "r3"}
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "x", Keywords: []string{"x"}, Responses: responses},
	}})

	seen := make(map[string]int)
	for range 300 {
		seen[r.Resolve("x").Reply]++
	}
	for _, resp := range responses {
		assert.Positive(t, seen[resp], "response %q never chosen", resp)
	}
}

func TestResolve_WithRand(t *testing.T) {
	set := &RuleSet{Rules: []Rule{
		{Name: "x", Keywords: []string{"x"}, Responses: []string{"first", "second"}},
	}}
	src := rand.New(rand.NewPCG(7, 7))
	expected := rand.New(rand.NewPCG(7, 7))

	r := newTestResolver(t, set, WithRand(src))
	for range 10 {
		want := set.Rules[0].Responses[expected.IntN(2)]
		assert.Equal(t, want, r.Resolve("x").Reply)
	}
}

func TestResolve_FallbackEscalates(t *testing.T) {
	r := newTestResolver(t, nil)

	res := r.Resolve("I need to talk to a human")
	assert.False(t, res.Matched)
	assert.True(t, res.Escalate)
	assert.Empty(t, res.Rule)
	assert.Contains(t, DefaultFallbacks(), res.Reply)
}

func TestDefaultFallbacks_AllMentionHandoff(t *testing.T) {
	fallbacks := DefaultFallbacks()
	require.Len(t, fallbacks, 4)
	for _, f := range fallbacks {
		assert.True(t, ContainsEscalationTrigger(f), "fallback %q", f)
	}
	assert.True(t, ContainsEscalationTrigger(FailureReply))
}

func TestDefaultFallbacks_ReturnsCopy(t *testing.T) {
	f := DefaultFallbacks()
	f[0] = "changed"
	assert.NotEqual(t, "changed", DefaultFallbacks()[0])
}

func TestResolve_WithFallbacks(t *testing.T) {
	r := newTestResolver(t, nil, WithFallbacks("only option"))
	res := r.Resolve("anything")
	assert.Equal(t, "only option", res.Reply)
	assert.True(t, res.Escalate)
}

func TestResolve_EscalateTag(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "refund", Keywords: []string{"refund"}, Responses: []string{"Billing will take it from here."}, Escalate: true},
		{Name: "hours", Keywords: []string{"hours"}, Responses: []string{"Our agents work 9-6."}},
	}})

	assert.True(t, r.Resolve("refund please").Escalate)

	// Mentioning an agent is not enough without trigger scanning
	assert.False(t, r.Resolve("what are your hours").Escalate)
}

func TestResolve_TriggerScan(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "hours", Keywords: []string{"hours"}, Responses: []string{"Our AGENTS work 9-6."}},
		{Name: "move", Keywords: []string{"move"}, Responses: []string{"I'll Transfer that for you."}},
		{Name: "plain", Keywords: []string{"plain"}, Responses: []string{"Just an answer."}},
	}}, WithTriggerScan())

	assert.True(t, r.Resolve("hours?").Escalate)
	assert.True(t, r.Resolve("move it").Escalate)
	assert.False(t, r.Resolve("plain").Escalate)
}

func TestContainsEscalationTrigger(t *testing.T) {
	tests := []struct {
		reply string
		want  bool
	}{
		{"Let me connect you with an agent.", true},
		{"I'll TRANSFER you now", true},
		{"Our agency is closed", true},
		{"Hi there!", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainsEscalationTrigger(tt.reply), tt.reply)
	}
}

func TestMatch(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "pricing", Keywords: []string{"price"}, Responses: []string{"p"}},
	}})

	rule, ok := r.Match("What's the PRICE?")
	require.True(t, ok)
	assert.Equal(t, "pricing", rule.Name)

	_, ok = r.Match("nothing relevant")
	assert.False(t, ok)
}

func TestRules_ReturnsCopy(t *testing.T) {
	r := newTestResolver(t, &RuleSet{Rules: []Rule{
		{Name: "a", Keywords: []string{"a"}, Responses: []string{"reply"}},
	}})

	rules := r.Rules()
	rules[0].Responses[0] = "tampered"
	rules[0].Keywords[0] = "zzz"

	res := r.Resolve("a")
	assert.Equal(t, "reply", res.Reply)
}

func TestNewResolver_CopiesInput(t *testing.T) {
	set := &RuleSet{Rules: []Rule{
		{Name: "a", Keywords: []string{"a"}, Responses: []string{"reply"}},
	}}
	r := newTestResolver(t, set)

	set.Rules[0].Keywords[0] = "zzz"
	set.Rules[0].Responses[0] = "tampered"

	assert.Equal(t, "reply", r.Resolve("a").Reply)
}

func TestNewResolver_RejectsInvalidTable(t *testing.T) {
	_, err := NewResolver(&RuleSet{Rules: []Rule{{Name: "broken", Keywords: []string{"x"}}}})
	assert.ErrorIs(t, err, ErrInvalidRules)
}

func TestQuickReplies(t *testing.T) {
	r := newTestResolver(t, &RuleSet{QuickReplies: []string{"Hello!", "Anything else?"}})
	replies := r.QuickReplies()
	assert.Equal(t, []string{"Hello!", "Anything else?"}, replies)

	replies[0] = "mutated"
	assert.Equal(t, "Hello!", r.QuickReplies()[0])
}

func TestResolve_Concurrent(t *testing.T) {
	r := newTestResolver(t, DefaultRules())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				res := r.Resolve("what does shipping cost")
				assert.NotEmpty(t, res.Reply)
			}
		}()
	}
	wg.Wait()
}
