package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"empi/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Health(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon is healthy")
			return nil
		},
	}
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var configID int64

	cmd := &cobra.Command{
		Use:   "import <source-uri>",
		Short: "Import a record file and queue a matching job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if configID == 0 {
				latest, err := client.LatestConfig()
				if err != nil {
					return fmt.Errorf("resolve latest config: %w", err)
				}
				configID = latest.ID
			}
			view, err := client.ImportRecords(args[0], configID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d records (%d duplicates skipped)\n", view.Imported, view.Duplicates)
			fmt.Fprintf(out, "Queued matching job %d\n", view.Job.ID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&configID, "config-id", 0, "Match configuration id (0 means latest)")
	return cmd
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <destination-uri>",
		Short: "Export current person assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.ExportRecords(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Export job %d %s\n", view.ID, view.Status)
			return nil
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect matching and export jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			views, err := client.ListJobs(status)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}
			rows := make([][]string, 0, len(views))
			for _, view := range views {
				rows = append(rows, []string{
					strconv.FormatInt(view.ID, 10),
					view.Kind,
					view.Status,
					formatTimestamp(view.Created),
					view.Reason,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "KIND", "STATUS", "CREATED", "REASON"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, succeeded, failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.GetJob(id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, view)
			}
			printJob(cmd, view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func printJob(cmd *cobra.Command, view *api.JobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %d\n", view.ID)
	fmt.Fprintf(out, "Kind:       %s\n", view.Kind)
	fmt.Fprintf(out, "Status:     %s\n", view.Status)
	fmt.Fprintf(out, "Config:     %d\n", view.ConfigID)
	fmt.Fprintf(out, "Source:     %s\n", view.SourceURI)
	fmt.Fprintf(out, "Created:    %s\n", formatTimestamp(view.Created))
	fmt.Fprintf(out, "Updated:    %s\n", formatTimestamp(view.Updated))
	if view.Reason != "" {
		fmt.Fprintf(out, "Reason:     %s\n", view.Reason)
	}
}
