// ScriptFix
//
// Automatically detects, fixes, and retests broken Python scripts with an
// LLM backend: run the script, capture the failure, request a corrected
// version, and repeat until it runs cleanly or the retry budget is spent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "scriptfix",
	Short: "ScriptFix - automatic repair of failing scripts",
	Long: `ScriptFix repairs failing Python scripts: it executes the script in a
sandbox, extracts the failure from stderr, asks an LLM backend for a
corrected version, and re-executes until the script succeeds or the
retry budget is exhausted. Every version is kept.

  scriptfix config setup         Set up API keys (first time)
  scriptfix fix broken.py        Repair a local script
  scriptfix serve                Start the HTTP API server`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
