package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"empi/internal/api"
)

func newPersonsCommand(ctx *commandContext) *cobra.Command {
	personsCmd := &cobra.Command{
		Use:   "persons",
		Short: "Browse the person index",
	}
	personsCmd.AddCommand(newPersonsListCommand(ctx))
	personsCmd.AddCommand(newPersonsShowCommand(ctx))
	return personsCmd
}

func newPersonsListCommand(ctx *commandContext) *cobra.Command {
	var term string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persons, optionally filtered by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			views, err := client.ListPersons(term)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No persons found")
				return nil
			}
			rows := make([][]string, 0, len(views))
			for _, view := range views {
				rows = append(rows, []string{
					view.UUID,
					strconv.FormatInt(view.RecordCount, 10),
					strconv.FormatInt(view.Version, 10),
					formatTimestamp(view.Updated),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"UUID", "RECORDS", "VERSION", "UPDATED"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&term, "query", "q", "", "Case-insensitive name search term")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newPersonsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <person-uuid>",
		Short: "Show one person and its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.GetPerson(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, view)
			}
			printPerson(cmd, view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func printPerson(cmd *cobra.Command, view *api.PersonView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Person:   %s\n", view.UUID)
	fmt.Fprintf(out, "Version:  %d\n", view.Version)
	fmt.Fprintf(out, "Records:  %d\n", view.RecordCount)
	fmt.Fprintf(out, "Updated:  %s\n", formatTimestamp(view.Updated))
	if len(view.Records) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, sectionHeader(out, "Records"))
	rows := make([][]string, 0, len(view.Records))
	for _, record := range view.Records {
		reviewed := "-"
		if record.MatchedOrReviewed != nil {
			reviewed = formatTimestamp(*record.MatchedOrReviewed)
		}
		rows = append(rows, []string{
			strconv.FormatInt(record.ID, 10),
			record.DataSource,
			record.SourcePersonID,
			record.FirstName,
			record.LastName,
			record.BirthDate,
			reviewed,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "SOURCE", "SOURCE ID", "FIRST", "LAST", "BIRTH DATE", "REVIEWED"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	))
}
