package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/codee/internal/config"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash of an API key for API_KEY_HASHES",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := (&config.Config{}).NewAPIKeyConfig()
		if err != nil {
			return err
		}
		hash, err := keys.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
