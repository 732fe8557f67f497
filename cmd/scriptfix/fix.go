package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scriptfix/scriptfix/internal/config"
	"github.com/scriptfix/scriptfix/internal/fixer"
	"github.com/scriptfix/scriptfix/internal/repair"
	"github.com/scriptfix/scriptfix/internal/sandbox"
	"github.com/scriptfix/scriptfix/internal/session"
	"github.com/scriptfix/scriptfix/llm"
	"github.com/scriptfix/scriptfix/llm/anthropic"
	"github.com/scriptfix/scriptfix/llm/openai"
)

var fixOutputPath string

var fixCmd = &cobra.Command{
	Use:   "fix FILE",
	Short: "Repair a local script",
	Long: `Run the repair loop on a local script. The original file is never
modified; the fixed version is written next to it as <name>_fixed<ext>
(or to --output). Every intermediate version is archived in the local
session database.`,
	Args: cobra.ExactArgs(1),
	RunE: runFix,
}

func init() {
	fixCmd.Flags().StringVarP(&fixOutputPath, "output", "o", "", "path for the fixed script")
	rootCmd.AddCommand(fixCmd)
}

func runFix(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	scriptPath := args[0]
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", scriptPath, err)
	}

	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	defer store.Close()

	var client llm.Client
	if cfg.AnthropicAPIKey != "" {
		client = anthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel)
	} else {
		client = openai.New(cfg.OpenAIAPIKey, cfg.LLMModel)
	}

	ctrl := repair.New(repair.Config{
		MaxIterations:  cfg.MaxIterations,
		SandboxTimeout: cfg.SandboxTimeout,
		RequestTimeout: cfg.RequestTimeout,
		RequestRetries: cfg.RequestRetries,
		HistoryWindow:  cfg.HistoryWindow,
	}, store, nil, sandbox.NewRunner(cfg.Interpreter), fixer.NewLLMRequester(client, cfg.RequestTimeout))

	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.New().String()[:8],
		Filename:  filepath.Base(scriptPath),
		Status:    session.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateSession(sess); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Repairing %s (session %s, budget %d)...\n", scriptPath, sess.ID, cfg.MaxIterations)

	report, err := ctrl.Run(ctx, sess, string(data))
	if err != nil {
		return err
	}

	for _, a := range report.History {
		line := fmt.Sprintf("  v%d: %s", a.VersionIdx, a.Status)
		if a.FailureSummary != "" {
			line += "  " + a.FailureSummary
		}
		fmt.Println(line)
	}

	switch report.Outcome {
	case session.OutcomeFixed:
		out := fixOutputPath
		if out == "" {
			out = fixedPath(scriptPath)
		}
		if err := os.WriteFile(out, []byte(report.FinalSource), 0o644); err != nil {
			return fmt.Errorf("writing fixed script: %w", err)
		}
		fmt.Printf("Fixed after %d fix request(s): %s\n", report.Iterations, out)
		return nil
	case session.OutcomeExhausted:
		return fmt.Errorf("still failing after %d fix request(s); original left unchanged", report.Iterations)
	default:
		return fmt.Errorf("unrecoverable: not enough failure evidence to request a fix")
	}
}

// fixedPath turns "dir/script.py" into "dir/script_fixed.py".
func fixedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_fixed" + ext
}
