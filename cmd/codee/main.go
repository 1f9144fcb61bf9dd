// Package main provides the entry point for the codee job worker.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "codee",
	Short: "Codee agent job worker",
	Long: `Codee runs coding-agent jobs: it clones a repository into a per-job workspace,
mounts it into a sandbox, drives a tool-calling reasoning session, pushes the
result and streams progress events to clients.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON config file (environment variables take precedence)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
