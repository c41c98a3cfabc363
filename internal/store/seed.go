// ABOUTME: Seed data loading for preloading a store at startup
// ABOUTME: Parses YAML documents of conversations with nested messages

package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the initial data a store is constructed with.
type Seed struct {
	Conversations []*Conversation `yaml:"conversations"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// LoadSeed reads and parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// Validate checks that every record carries a usable id and known enum values.
func (s *Seed) Validate() error {
	seen := make(map[string]bool, len(s.Conversations))
	for i, c := range s.Conversations {
		if c.ID == "" {
			return fmt.Errorf("%w: seed conversation %d has no id", ErrInvalidInput, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate seed conversation %q", ErrInvalidInput, c.ID)
		}
		seen[c.ID] = true
		if c.Status != "" && !c.Status.Valid() {
			return fmt.Errorf("%w: conversation %q has unknown status %q", ErrInvalidInput, c.ID, c.Status)
		}
		for j, m := range c.Messages {
			if m.ID == "" {
				return fmt.Errorf("%w: message %d of %q has no id", ErrInvalidInput, j, c.ID)
			}
			if !m.Sender.Valid() {
				return fmt.Errorf("%w: message %q has unknown sender %q", ErrInvalidInput, m.ID, m.Sender)
			}
			if m.Type != "" && !m.Type.Valid() {
				return fmt.Errorf("%w: message %q has unknown type %q", ErrInvalidInput, m.ID, m.Type)
			}
		}
	}
	return nil
}
