// ABOUTME: Interactive `coven-support init` that writes a config file
// ABOUTME: Edits the embedded example config in place so its comments survive

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-support/internal/assets"
	"github.com/2389/coven-support/internal/config"
)

// initAnswer is one value to set in the example config.
type initAnswer struct {
	path  []string
	value string
	tag   string // !!str or !!bool
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-support configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var answers []initAnswer
	str := func(value string, path ...string) {
		answers = append(answers, initAnswer{path: path, value: value, tag: "!!str"})
	}
	boolean := func(value bool, path ...string) {
		answers = append(answers, initAnswer{path: path, value: fmt.Sprintf("%t", value), tag: "!!bool"})
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	str(prompt(reader, out, "HTTP address", "127.0.0.1:8090"), "server", "http_addr")

	fmt.Fprintln(out, "\n--- Store Configuration ---")
	str(prompt(reader, out, "Store backend (memory/sqlite)", config.BackendMemory), "store", "backend")
	str(prompt(reader, out, "Seed data (demo/none/path)", config.SeedDemo), "store", "seed")

	fmt.Fprintln(out, "\n--- Bot Configuration ---")
	str(prompt(reader, out, "Rule table path (empty for built-in)", ""), "bot", "rules")
	str(prompt(reader, out, "Handoff agent id", "agent_sarah"), "turns", "agent_id")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, out, "Enable Tailscale?", "no"))
	boolean(tailscaleEnabled, "tailscale", "enabled")
	if tailscaleEnabled {
		str(prompt(reader, out, "Tailscale hostname", "coven-support"), "tailscale", "hostname")
		if key := prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", ""); key != "" {
			str(key, "tailscale", "auth_key")
		}
		boolean(yes(prompt(reader, out, "Ephemeral node?", "no")), "tailscale", "ephemeral")
		boolean(yes(prompt(reader, out, "Serve HTTPS with Tailscale certs?", "no")), "tailscale", "https")
		boolean(yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no")), "tailscale", "funnel")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	str(prompt(reader, out, "Log level (debug/info/warn/error)", "info"), "logging", "level")
	str(prompt(reader, out, "Log format (text/json)", "text"), "logging", "format")

	data, err := renderConfig(answers)
	if err != nil {
		return err
	}

	// Refuse to write something serve would reject
	if _, err := config.Parse(data); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-support serve")
	return nil
}

// renderConfig applies answers to the embedded example config.
func renderConfig(answers []initAnswer) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(assets.ExampleConfig, &doc); err != nil {
		return nil, fmt.Errorf("parsing example config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("example config is empty")
	}

	for _, a := range answers {
		if err := setYAMLValue(doc.Content[0], a.path, a.value, a.tag); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// setYAMLValue sets the scalar at path inside a mapping node, creating
// missing keys along the way.
func setYAMLValue(node *yaml.Node, path []string, value, tag string) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("setting %s: not a mapping", strings.Join(path, "."))
	}

	key := path[0]
	var child *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			child = node.Content[i+1]
			break
		}
	}

	if len(path) == 1 {
		if child == nil {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
			return nil
		}
		child.Kind = yaml.ScalarNode
		child.Tag = tag
		child.Value = value
		child.Style = 0
		if tag == "!!str" {
			child.Style = yaml.DoubleQuotedStyle
		}
		return nil
	}

	if child == nil {
		child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
	}
	return setYAMLValue(child, path[1:], value, tag)
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
