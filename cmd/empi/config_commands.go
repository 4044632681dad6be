package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"empi/internal/api"
	"empi/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Match configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand())
	configCmd.AddCommand(newConfigCreateCommand(ctx))
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			}
			if err := config.WriteSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, missing, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", path)
			if missing {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigCreateCommand(ctx *commandContext) *cobra.Command {
	var potentialThreshold float64
	var autoThreshold float64
	var rules string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new match configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.CreateConfig(potentialThreshold, autoThreshold, rules)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created match configuration %d\n", view.ID)
			return nil
		},
	}

	cmd.Flags().Float64Var(&potentialThreshold, "potential-threshold", 0.5, "Probability at or above which a potential match is recorded")
	cmd.Flags().Float64Var(&autoThreshold, "auto-threshold", 0.9, "Probability at or above which records merge automatically")
	cmd.Flags().StringVar(&rules, "rules", "", "Comparison rules document passed to the comparator")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	var id int64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a match configuration (latest by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := fetchConfig(client, id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, view)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:                        %d\n", view.ID)
			fmt.Fprintf(out, "Created:                   %s\n", formatTimestamp(view.Created))
			fmt.Fprintf(out, "Potential match threshold: %s\n", formatProbability(view.PotentialMatchThreshold))
			fmt.Fprintf(out, "Auto match threshold:      %s\n", formatProbability(view.AutoMatchThreshold))
			fmt.Fprintf(out, "Comparison rules:          %s\n", view.ComparisonRules)
			return nil
		},
	}

	cmd.Flags().Int64Var(&id, "id", 0, "Configuration id (0 means latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func fetchConfig(client *apiClient, id int64) (*api.ConfigView, error) {
	if id > 0 {
		return client.GetConfig(id)
	}
	return client.LatestConfig()
}
