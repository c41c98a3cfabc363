// ABOUTME: Configuration loading and parsing for coven-support
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Special values for store.seed
const (
	SeedDemo = "demo"
	SeedNone = "none"
)

// Config represents the complete coven-support configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Store       StoreConfig       `yaml:"store"`
	Bot         BotConfig         `yaml:"bot"`
	Turns       TurnsConfig       `yaml:"turns"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StoreConfig selects the conversation store backend and its initial data
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory or sqlite
	Seed    string `yaml:"seed"`    // demo, none, or a path to a seed YAML file
}

// BotConfig holds bot resolver configuration
type BotConfig struct {
	Rules       string `yaml:"rules"` // empty for the built-in table
	Seed        int64  `yaml:"seed"`  // 0 seeds from the clock
	TriggerScan bool   `yaml:"trigger_scan"`

	DelayMin time.Duration `yaml:"-"`
	DelayMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DelayMinRaw string `yaml:"delay_min"`
	DelayMaxRaw string `yaml:"delay_max"`
}

// TurnsConfig holds the timing and wording of the agent handoff
type TurnsConfig struct {
	AgentID     string `yaml:"agent_id"`
	HandoffText string `yaml:"handoff_text"`

	AgentPickupDelay time.Duration `yaml:"-"`
	AgentTypingDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AgentPickupDelayRaw string `yaml:"agent_pickup_delay"`
	AgentTypingDelayRaw string `yaml:"agent_typing_delay"`
}

// IdempotencyConfig controls how long message idempotency keys are remembered
type IdempotencyConfig struct {
	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Tailscale: TailscaleConfig{
			Hostname: "coven-support",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Seed:    SeedDemo,
		},
		Bot: BotConfig{
			DelayMin: 800 * time.Millisecond,
			DelayMax: 2 * time.Second,
		},
		Turns: TurnsConfig{
			AgentID:          "agent_sarah",
			HandoffText:      "Hi! I'm Sarah from our support team. I'll be happy to help you.",
			AgentPickupDelay: time.Second,
			AgentTypingDelay: 1500 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{TTL: 5 * time.Minute},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Store.Backend)
	}

	if c.Bot.DelayMin < 0 || c.Bot.DelayMax < 0 {
		return fmt.Errorf("bot delays must not be negative")
	}
	if c.Bot.DelayMax < c.Bot.DelayMin {
		return fmt.Errorf("bot.delay_max (%s) is less than bot.delay_min (%s)", c.Bot.DelayMax, c.Bot.DelayMin)
	}
	if c.Turns.AgentPickupDelay < 0 || c.Turns.AgentTypingDelay < 0 {
		return fmt.Errorf("turn delays must not be negative")
	}
	if c.Turns.HandoffText == "" {
		return fmt.Errorf("turns.handoff_text is required")
	}
	if c.Turns.AgentID == "" {
		return fmt.Errorf("turns.agent_id is required")
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive, got %s", c.Idempotency.TTL)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/') {
		return fmt.Errorf("metrics.path must start with / when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bot.delay_min", cfg.Bot.DelayMinRaw, &cfg.Bot.DelayMin},
		{"bot.delay_max", cfg.Bot.DelayMaxRaw, &cfg.Bot.DelayMax},
		{"turns.agent_pickup_delay", cfg.Turns.AgentPickupDelayRaw, &cfg.Turns.AgentPickupDelay},
		{"turns.agent_typing_delay", cfg.Turns.AgentTypingDelayRaw, &cfg.Turns.AgentTypingDelay},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
