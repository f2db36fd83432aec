package cmd

import (
	"github.com/Erovia/ebot/ebot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, its extensions and (optionally) the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := ebot.New(cfg)
			if err != nil {
				return err
			}
			return bot.Run(ctx)
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
