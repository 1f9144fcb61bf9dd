package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the event log tables in EVENT_LOG_URL",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.EventLogURL == "" {
			return fmt.Errorf("EVENT_LOG_URL is required")
		}

		database, err := db.Connect(cmd.Context(), cfg.EventLogURL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "event log schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
