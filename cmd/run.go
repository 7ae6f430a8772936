package cmd

import (
	"fmt"

	"github.com/aidanmahoney/ByteBuddy/bytebuddy"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the ByteBuddy bot and (optionally) the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := bytebuddy.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bytebuddy: %w", err)
			}

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bytebuddy: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(runCmd)
}
