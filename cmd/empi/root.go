package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var apiFlag string
	var tokenFlag string
	var configFlag string

	ctx := newCommandContext(&apiFlag, &tokenFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "empi",
		Short:         "EMPI command line client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "Daemon API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "API bearer token")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newPersonsCommand(ctx))
	rootCmd.AddCommand(newMatchesCommand(ctx))

	return rootCmd
}
