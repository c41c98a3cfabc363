// ABOUTME: Entry point for the coven-support server and tools
// ABOUTME: Dispatches serve, init, chat, rules and health subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        ___ _   _ _ __  _ __   ___  _ __| |_
 / __/ _ \ \ / / _ \ '_ \ _____/ __| | | | '_ \| '_ \ / _ \| '__| __|
| (_| (_) \ V /  __/ | | |_____\__ \ |_| | |_) | |_) | (_) | |  | |_
 \___\___/ \_/ \___|_| |_|     |___/\__,_| .__/| .__/ \___/|_|   \__|
                                         |_|   |_|
`

// getConfigPath returns the path to the config file.
// Priority: COVEN_SUPPORT_CONFIG env var > XDG_CONFIG_HOME/coven/support.yaml > ~/.config/coven/support.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_SUPPORT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "support.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "support.yaml")
}

// loadConfig reads the config file. A missing file at the default location
// means built-in defaults; a missing file named by COVEN_SUPPORT_CONFIG is an error.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && os.Getenv("COVEN_SUPPORT_CONFIG") == "" {
		return config.Default(), false, nil
	}
	return nil, false, fmt.Errorf("loading config: %w", err)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-support <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the support server")
	fmt.Fprintln(w, "  init                      Create a new config file interactively")
	fmt.Fprintln(w, "  chat [--export FILE]      Chat with the bot in the terminal")
	fmt.Fprintln(w, "  rules check [FILE]        Validate a bot rule table")
	fmt.Fprintln(w, "  rules match [--rules FILE] MESSAGE")
	fmt.Fprintln(w, "                            Show which rule answers a message")
	fmt.Fprintln(w, "  health                    Check server health")
	fmt.Fprintln(w, "  version                   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "chat":
		err = runChat(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "rules":
		err = runRules(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, fromFile, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if fromFile {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Print("Config:    ")
		gray.Printf("built-in defaults (%s not found)\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s (seed: %s)\n", cfg.Store.Backend, cfg.Store.Seed)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}

	fmt.Println()

	logger.Info("starting coven-support",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Store.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	base := fmt.Sprintf("http://%s", cfg.Server.HTTPAddr)
	if err := checkEndpoint(ctx, base+"/health", nil); err != nil {
		return err
	}
	fmt.Fprintln(out, "healthy")

	var body []byte
	if err := checkEndpoint(ctx, base+"/health/ready", &body); err != nil {
		return err
	}
	fmt.Fprintln(out, string(body))
	return nil
}

// checkEndpoint GETs url and fails on any status other than 200.
// When body is non-nil it receives the response body.
func checkEndpoint(ctx context.Context, url string, body *[]byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, data)
	}
	if body != nil {
		*body = data
	}
	return nil
}
