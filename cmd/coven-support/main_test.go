// ABOUTME: Tests for the coven-support CLI: config discovery, logging, init, rules and chat
// ABOUTME: chat runs against an in-process demo store with zero bot delays

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-support/internal/bot"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/transcript"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_SUPPORT_CONFIG", "/etc/support.yaml")
		assert.Equal(t, "/etc/support.yaml", getConfigPath())
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_SUPPORT_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "support.yaml"), getConfigPath())
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing default file uses defaults", func(t *testing.T) {
		t.Setenv("COVEN_SUPPORT_CONFIG", "")
		cfg, fromFile, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.False(t, fromFile)
		assert.Equal(t, config.Default().Server.HTTPAddr, cfg.Server.HTTPAddr)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.yaml")
		t.Setenv("COVEN_SUPPORT_CONFIG", path)
		_, _, err := loadConfig(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "support.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \"127.0.0.1:9999\"\n"), 0600))
		t.Setenv("COVEN_SUPPORT_CONFIG", path)

		cfg, fromFile, err := loadConfig(path)
		require.NoError(t, err)
		assert.True(t, fromFile)
		assert.Equal(t, "127.0.0.1:9999", cfg.Server.HTTPAddr)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "support.yaml")
		require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: postgres\n"), 0600))
		t.Setenv("COVEN_SUPPORT_CONFIG", path)

		_, _, err := loadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.backend")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "store").WithGroup("req").Info("hello", "id", 7)
	logger.Warn("careful")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF hello")
	assert.Contains(t, out, "component=store")
	assert.Contains(t, out, "req.id=7")
	assert.Contains(t, out, "WRN careful")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "component", "bot")

	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"component":"bot"`)
}

func TestRenderConfig(t *testing.T) {
	data, err := renderConfig([]initAnswer{
		{path: []string{"server", "http_addr"}, value: "0.0.0.0:8080", tag: "!!str"},
		{path: []string{"store", "backend"}, value: "sqlite", tag: "!!str"},
		{path: []string{"tailscale", "enabled"}, value: "true", tag: "!!bool"},
		{path: []string{"tailscale", "https"}, value: "true", tag: "!!bool"},
	})
	require.NoError(t, err)

	// Comments from the example survive the edit
	assert.Contains(t, string(data), "# coven-support configuration")

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.True(t, cfg.Tailscale.HTTPS)
	assert.Equal(t, "agent_sarah", cfg.Turns.AgentID)
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coven", "support.yaml")
	var out bytes.Buffer

	// Only the path is answered; every later prompt hits EOF and takes its default
	err := runInit(strings.NewReader(path+"\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Config written to "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.HTTPAddr)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.False(t, cfg.Tailscale.Enabled)
}

func TestRunInit_DeclineOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "support.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0600))
	var out bytes.Buffer

	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestShadowedKeywords(t *testing.T) {
	rules := []bot.Rule{
		{Name: "plans", Keywords: []string{"plan"}, Responses: []string{"a"}},
		{Name: "upgrade", Keywords: []string{"Upgrade PLAN", "upsell"}, Responses: []string{"b"}},
	}
	warnings := shadowedKeywords(rules)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `rule upgrade keyword "Upgrade PLAN" is shadowed by rule plans keyword "plan"`)

	assert.Empty(t, shadowedKeywords(bot.DefaultRules().Rules))
}

func TestRunRules(t *testing.T) {
	t.Run("check built-in", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runRules([]string{"check"}, &out))
		assert.Contains(t, out.String(), "built-in: 8 rules, 4 quick replies")
		assert.Contains(t, out.String(), "refund")
		assert.Contains(t, out.String(), "[escalates]")
	})

	t.Run("check file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[[rules]]
name = "pizza"
keywords = ["pizza"]
responses = ["We only sell pizza."]
`), 0600))

		var out bytes.Buffer
		require.NoError(t, runRules([]string{"check", path}, &out))
		assert.Contains(t, out.String(), path+": 1 rules, 0 quick replies")
	})

	t.Run("match", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runRules([]string{"match", "--seed", "3", "What", "are", "your", "hours?"}, &out))
		assert.Contains(t, out.String(), "rule:     hours")
		assert.Contains(t, out.String(), "escalate: false")
	})

	t.Run("match escalates", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runRules([]string{"match", "I want a refund"}, &out))
		assert.Contains(t, out.String(), "rule:     refund")
		assert.Contains(t, out.String(), "escalate: true")
	})

	t.Run("match fallback", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runRules([]string{"match", "xyzzy"}, &out))
		assert.Contains(t, out.String(), "(none, fallback)")
	})

	t.Run("errors", func(t *testing.T) {
		var out bytes.Buffer
		assert.Error(t, runRules(nil, &out))
		assert.Error(t, runRules([]string{"lint"}, &out))
		assert.Error(t, runRules([]string{"match"}, &out))
		assert.Error(t, runRules([]string{"check", "a.yaml", "b.yaml"}, &out))
		assert.Error(t, runRules([]string{"check", filepath.Join(t.TempDir(), "missing.yaml")}, &out))
	})
}

func TestExportFormatFor(t *testing.T) {
	f, err := exportFormatFor("chat.html", "")
	require.NoError(t, err)
	assert.Equal(t, transcript.FormatHTML, f)

	f, err = exportFormatFor("chat.txt", "")
	require.NoError(t, err)
	assert.Equal(t, transcript.FormatMarkdown, f)

	f, err = exportFormatFor("chat.txt", "html")
	require.NoError(t, err)
	assert.Equal(t, transcript.FormatHTML, f)

	_, err = exportFormatFor("chat.txt", "pdf")
	assert.ErrorIs(t, err, transcript.ErrUnknownFormat)
}

// lockedBuffer lets the test read output while the chat goroutines write it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const chatConfig = `
store:
  backend: memory
  seed: demo
bot:
  seed: 1
  delay_min: "0s"
  delay_max: "0s"
turns:
  agent_pickup_delay: "0s"
  agent_typing_delay: "0s"
logging:
  level: error
metrics:
  enabled: false
`

func TestRunChat(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "support.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(chatConfig), 0600))
	t.Setenv("COVEN_SUPPORT_CONFIG", cfgPath)

	exportPath := filepath.Join(dir, "chat.html")
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	out := &lockedBuffer{}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runChat(ctx, []string{"--export", exportPath}, pr, out) }()

	send := func(line string) {
		t.Helper()
		_, err := io.WriteString(pw, line+"\n")
		require.NoError(t, err)
	}

	// The only active demo conversation becomes current
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "conv_1700000000000_1 (active")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "claim with the carrier")

	send("What are your hours?")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "9am")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "bot is typing...")

	// Seeded agent message plus the bot reply
	send("/unread")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "2 unread")
	}, 5*time.Second, 10*time.Millisecond)

	send("/read")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Marked 2 messages as read")
	}, 5*time.Second, 10*time.Millisecond)

	send("/switch conv_missing")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[error]")
	}, 5*time.Second, 10*time.Millisecond)

	send("/quit")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("chat did not exit")
	}

	assert.Contains(t, out.String(), "Transcript written to "+exportPath)
	assert.Contains(t, out.String(), "Goodbye!")

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Conversation conv_1700000000000_1</title>")
	assert.Contains(t, string(data), "What are your hours?")
}

func TestRunChat_NewConversation(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "support.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(chatConfig), 0600))
	t.Setenv("COVEN_SUPPORT_CONFIG", cfgPath)

	out := &lockedBuffer{}
	input := strings.NewReader("/new\n/list\n/bogus\n")

	require.NoError(t, runChat(t.Context(), nil, input, out))

	assert.Contains(t, out.String(), "Started conv_")
	assert.Contains(t, out.String(), "conv_1700000000000_3  closed")
	assert.Contains(t, out.String(), "Unknown command: /bogus")
}

func TestRunChat_BadFlags(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runChat(t.Context(), []string{"extra"}, strings.NewReader(""), &out))
	assert.Error(t, runChat(t.Context(), []string{"--export", "chat.md", "--format", "pdf"}, strings.NewReader(""), &out))
}
