// ABOUTME: Bot rule table types and loaders
// ABOUTME: Reads ordered keyword rules from YAML or TOML and validates them

package bot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-support/internal/assets"
)

// ErrInvalidRules is returned when a rule table fails validation
var ErrInvalidRules = errors.New("invalid rule table")

// Rule maps a set of keywords to candidate replies.
type Rule struct {
	Name      string   `yaml:"name" toml:"name" json:"name"`
	Keywords  []string `yaml:"keywords" toml:"keywords" json:"keywords"`
	Responses []string `yaml:"responses" toml:"responses" json:"responses"`
	// Escalate hands the conversation to a human agent after the reply.
	Escalate bool `yaml:"escalate" toml:"escalate" json:"escalate"`
}

// RuleSet is an ordered rule table plus the agent's canned quick replies.
// Order matters: the first matching rule wins.
type RuleSet struct {
	Rules        []Rule   `yaml:"rules" toml:"rules" json:"rules"`
	QuickReplies []string `yaml:"quick_replies" toml:"quick_replies" json:"quickReplies"`
}

// Format names a rule file encoding
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported rule file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
}

// ParseRules decodes and validates a rule table.
func ParseRules(data []byte, format Format) (*RuleSet, error) {
	var set RuleSet
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parsing rules: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &set); err != nil {
			return nil, fmt.Errorf("parsing rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown rule format %q", format)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadRules reads a rule table from disk, choosing the decoder by extension.
func LoadRules(path string) (*RuleSet, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data, format)
}

// DefaultRules returns the built-in rule table.
func DefaultRules() *RuleSet {
	set, err := ParseRules(assets.DefaultRules, FormatYAML)
	if err != nil {
		panic("bot: embedded rule table is invalid: " + err.Error())
	}
	return set
}

// Validate checks that every rule can match something and has something to say.
// An empty table is valid; every message then falls back to escalation.
func (s *RuleSet) Validate() error {
	for i, r := range s.Rules {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("%w: rule %s has no keywords", ErrInvalidRules, label)
		}
		for _, kw := range r.Keywords {
			// A blank keyword would match every message
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("%w: rule %s has a blank keyword", ErrInvalidRules, label)
			}
		}
		if len(r.Responses) == 0 {
			return fmt.Errorf("%w: rule %s has no responses", ErrInvalidRules, label)
		}
	}
	return nil
}
