package cmd

import (
	"fmt"
	"github.com/Erovia/ebot/ebot"
	"github.com/spf13/cobra"
	"log/slog"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the store: create the database, tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.Database == "" {
			return &ebot.StartupError{
				Class: ebot.StartupErrorConfig,
				Err: fmt.Errorf(
					"%s_DATABASE not set (must be a database connection "+
						"string, MongoDB URI or sqlite file path)",
					ebot.DefaultEnvPrefix,
				),
			}
		}

		store, err := ebot.OpenStore(ctx, cfg, slog.Default().Handler())
		if err != nil {
			return &ebot.StartupError{Class: ebot.StartupErrorStore, Err: err}
		}
		if err = store.Close(ctx); err != nil {
			return fmt.Errorf("error closing store: %w", err)
		}

		fmt.Fprintf(out, "Initialized %s store.\n", cfg.StoreType)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
