package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes a single configuration value.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"ANTHROPIC_API_KEY", "Anthropic API key", false, true},
	{"OPENAI_API_KEY", "OpenAI API key", false, true},
	{"SCRIPTFIX_LLM_MODEL", "LLM model override (optional)", false, false},
	{"SCRIPTFIX_INTERPRETER", "Script interpreter (default python3)", false, false},
	{"SCRIPTFIX_MAX_ITERATIONS", "Max fix requests per session (default 5)", false, false},
	{"SCRIPTFIX_SANDBOX_TIMEOUT", "Per-execution time limit (default 30s)", false, false},
	{"SCRIPTFIX_REQUEST_TIMEOUT", "Per-fix-request time limit (default 60s)", false, false},
	{"GITHUB_TOKEN", "GitHub token (private repos, gist publishing)", false, true},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", false, true},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", false, true},
	{"SLACK_CHANNEL", "Slack channel for outcome notifications", false, false},
}

// ---------------------------------------------------------------------------
// Cobra commands
// ---------------------------------------------------------------------------

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ScriptFix configuration",
	Long: `Manage ScriptFix configuration (API keys, limits, integrations).

Configuration is stored in ~/.scriptfix/config.env and can be overridden
by environment variables.

  scriptfix config setup              Interactive setup wizard
  scriptfix config set KEY VALUE      Set a single config value
  scriptfix config show               Show current configuration
  scriptfix config path               Print config file path`,
}

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	RunE:  runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// configFilePath returns ~/.scriptfix/config.env.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".scriptfix", "config.env")
	}
	return filepath.Join(home, ".scriptfix", "config.env")
}

// readConfigFile reads key=value pairs from the config file.
func readConfigFile() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(configFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			values[k] = v
		}
	}
	return values, scanner.Err()
}

// writeConfigFile writes key=value pairs to the config file with 0600 perms.
func writeConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# ScriptFix configuration. Environment variables override these values.\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}

	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// ---------------------------------------------------------------------------
// Command implementations
// ---------------------------------------------------------------------------

func runConfigSetup(cmd *cobra.Command, args []string) error {
	values, err := readConfigFile()
	if err != nil {
		return err
	}

	fmt.Println("ScriptFix setup. Press Enter to keep the current value.")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	for _, ck := range allConfigKeys {
		current := values[ck.Key]
		display := current
		if ck.Secret && current != "" {
			display = mask(current)
		}
		if display == "" {
			fmt.Printf("%s (%s): ", ck.Key, ck.Desc)
		} else {
			fmt.Printf("%s (%s) [%s]: ", ck.Key, ck.Desc, display)
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if line = strings.TrimSpace(line); line != "" {
			values[ck.Key] = line
		}
	}

	if err := writeConfigFile(values); err != nil {
		return err
	}
	fmt.Printf("\nSaved to %s\n", configFilePath())
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	values, err := readConfigFile()
	if err != nil {
		return err
	}
	values[args[0]] = args[1]
	if err := writeConfigFile(values); err != nil {
		return err
	}
	fmt.Printf("Set %s\n", args[0])
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	values, err := readConfigFile()
	if err != nil {
		return err
	}

	for _, ck := range allConfigKeys {
		v, ok := values[ck.Key]
		if env := os.Getenv(ck.Key); env != "" {
			v, ok = env+" (from environment)", true
		}
		if !ok {
			v = "(not set)"
		} else if ck.Secret {
			v = mask(strings.TrimSuffix(v, " (from environment)"))
		}
		fmt.Printf("%-28s %s\n", ck.Key, v)
	}
	return nil
}

// mask hides all but the first and last few characters of a secret.
func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
