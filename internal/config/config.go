// Package config provides configuration management for ScriptFix.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ScriptFix server and CLI.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// Interpreter is the binary that runs uploaded scripts. Default "python3".
	Interpreter string

	// MaxIterations is the per-session retry budget: the maximum number of
	// fix requests before the session is declared exhausted. Default 5.
	MaxIterations int

	// SandboxTimeout is the wall-clock limit for one script execution.
	// Default 30s.
	SandboxTimeout time.Duration

	// RequestTimeout bounds one fix request to the LLM backend. Default 60s.
	RequestTimeout time.Duration

	// RequestRetries is how many times a transient backend failure is
	// retried before giving up on the session. Default 2.
	RequestRetries int

	// HistoryWindow is how many prior failed candidates are shown to the
	// backend with each fix request. Default 3.
	HistoryWindow int

	// LLM provider API keys. Anthropic wins when both are set.
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// LLMModel overrides the provider's default model.
	LLMModel string

	// GitHubToken enables fetching scripts from private repos and
	// publishing fixed scripts as gists.
	GitHubToken string

	// Telegram integration (optional; long polling, no public URL needed).
	// TelegramBotToken is the token from @BotFather.
	TelegramBotToken string

	// Slack integration (optional): post session outcomes to a channel.
	SlackBotToken string
	SlackChannel  string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.scriptfix/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("SCRIPTFIX_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:       envOr("SCRIPTFIX_ADDR", ":7090"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "scriptfix.db"),
		Interpreter:      envOr("SCRIPTFIX_INTERPRETER", "python3"),
		MaxIterations:    envOrInt("SCRIPTFIX_MAX_ITERATIONS", 5),
		SandboxTimeout:   envOrDuration("SCRIPTFIX_SANDBOX_TIMEOUT", 30*time.Second),
		RequestTimeout:   envOrDuration("SCRIPTFIX_REQUEST_TIMEOUT", 60*time.Second),
		RequestRetries:   envOrInt("SCRIPTFIX_REQUEST_RETRIES", 2),
		HistoryWindow:    envOrInt("SCRIPTFIX_HISTORY_WINDOW", 3),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		LLMModel:         os.Getenv("SCRIPTFIX_LLM_MODEL"),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		SlackBotToken:    os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:     os.Getenv("SLACK_CHANNEL"),
	}

	return cfg, nil
}

// loadConfigFile reads ~/.scriptfix/config.env and sets any values that are
// not already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read, that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("SCRIPTFIX_MAX_ITERATIONS must be at least 1")
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("SCRIPTFIX_SANDBOX_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("SCRIPTFIX_REQUEST_TIMEOUT must be positive")
	}
	return nil
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// SlackEnabled returns true if the Slack notifier is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scriptfix"
	}
	return filepath.Join(home, ".scriptfix")
}
