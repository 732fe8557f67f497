package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scriptfix/scriptfix/internal/config"
	"github.com/scriptfix/scriptfix/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ScriptFix server",
	Long: `Start the HTTP API server (and the Telegram bot, if configured).
Scripts are uploaded via POST /api/sessions; progress and version history
are available under /api/sessions/{id}.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
