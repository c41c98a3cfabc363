// ABOUTME: `coven-support rules` subcommands for authoring bot rule tables
// ABOUTME: check validates and lists a table; match shows which rule answers a message

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-support/internal/bot"
)

func runRules(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: coven-support rules check [FILE] | rules match [--rules FILE] MESSAGE")
	}

	switch args[0] {
	case "check":
		return runRulesCheck(args[1:], out)
	case "match":
		return runRulesMatch(args[1:], out)
	default:
		return fmt.Errorf("unknown rules command: %s", args[0])
	}
}

// loadRuleSet loads path, or the built-in table when path is empty.
func loadRuleSet(path string) (*bot.RuleSet, string, error) {
	if path == "" {
		return bot.DefaultRules(), "built-in", nil
	}
	set, err := bot.LoadRules(path)
	if err != nil {
		return nil, "", err
	}
	return set, path, nil
}

func runRulesCheck(args []string, out io.Writer) error {
	if len(args) > 1 {
		return fmt.Errorf("unexpected argument: %s", args[1])
	}
	path := ""
	if len(args) == 1 {
		path = args[0]
	}

	set, label, err := loadRuleSet(path)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	green.Fprintf(out, "  ✓ %s: %d rules, %d quick replies\n", label, len(set.Rules), len(set.QuickReplies))
	fmt.Fprintln(out)
	for i, r := range set.Rules {
		fmt.Fprintf(out, "  %2d. %-12s", i+1, r.Name)
		if r.Escalate {
			yellow.Fprint(out, " [escalates]")
		}
		fmt.Fprintln(out)
		gray.Fprintf(out, "      keywords: %s\n", strings.Join(r.Keywords, ", "))
		gray.Fprintf(out, "      responses: %d\n", len(r.Responses))
	}

	// Later rules can be shadowed by an earlier keyword that is a substring of theirs
	for _, w := range shadowedKeywords(set.Rules) {
		yellow.Fprintf(out, "  ! %s\n", w)
	}
	return nil
}

// shadowedKeywords reports keywords that can never decide a match because an
// earlier rule has a keyword contained in them.
func shadowedKeywords(rules []bot.Rule) []string {
	var warnings []string
	for i, later := range rules {
		for _, kw := range later.Keywords {
			lower := strings.ToLower(kw)
			for _, earlier := range rules[:i] {
				if shadow := findContained(earlier.Keywords, lower); shadow != "" {
					warnings = append(warnings, fmt.Sprintf("rule %s keyword %q is shadowed by rule %s keyword %q", later.Name, kw, earlier.Name, shadow))
					break
				}
			}
		}
	}
	return warnings
}

func findContained(keywords []string, s string) string {
	for _, kw := range keywords {
		if strings.Contains(s, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func runRulesMatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rules match", flag.ContinueOnError)
	fs.SetOutput(out)
	rulesPath := fs.String("rules", "", "rule table file (.yaml, .yml or .toml); built-in when empty")
	seed := fs.Int64("seed", 0, "seed for reply selection; 0 uses the clock")
	triggerScan := fs.Bool("trigger-scan", false, "also escalate when the reply mentions a transfer or an agent")
	if err := fs.Parse(args); err != nil {
		return err
	}

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return errors.New("a message to match is required")
	}

	set, _, err := loadRuleSet(*rulesPath)
	if err != nil {
		return err
	}

	var opts []bot.Option
	if *seed != 0 {
		opts = append(opts, bot.WithSeed(*seed))
	}
	if *triggerScan {
		opts = append(opts, bot.WithTriggerScan())
	}
	resolver, err := bot.NewResolver(set, opts...)
	if err != nil {
		return err
	}

	result := resolver.Resolve(message)

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	if result.Matched {
		cyan.Fprintf(out, "rule:     %s\n", result.Rule)
	} else {
		yellow.Fprintln(out, "rule:     (none, fallback)")
	}
	fmt.Fprintf(out, "reply:    %s\n", result.Reply)
	fmt.Fprintf(out, "escalate: %t\n", result.Escalate)
	return nil
}
