package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newMatchesCommand(ctx *commandContext) *cobra.Command {
	matchesCmd := &cobra.Command{
		Use:   "matches",
		Short: "Review and resolve potential matches",
	}
	matchesCmd.AddCommand(newMatchesListCommand(ctx))
	matchesCmd.AddCommand(newMatchesShowCommand(ctx))
	matchesCmd.AddCommand(newMatchesCommitCommand(ctx))
	return matchesCmd
}

func newMatchesListCommand(ctx *commandContext) *cobra.Command {
	var term string
	var minProbability float64
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List potential matches awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			views, err := client.ListMatches(term, minProbability)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No potential matches found")
				return nil
			}
			rows := make([][]string, 0, len(views))
			for _, view := range views {
				rows = append(rows, []string{
					view.UUID,
					formatProbability(view.MaxMatchProbability),
					strconv.FormatInt(view.Version, 10),
					strconv.FormatInt(view.JobID, 10),
					formatTimestamp(view.Created),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"UUID", "PROBABILITY", "VERSION", "JOB", "CREATED"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&term, "query", "q", "", "Case-insensitive member name search term")
	cmd.Flags().Float64Var(&minProbability, "min-probability", 0, "Only list matches at or above this probability")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newMatchesShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <match-uuid>",
		Short: "Show one potential match with its persons and scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			view, err := client.GetMatch(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, view)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Match:       %s\n", view.UUID)
			fmt.Fprintf(out, "Version:     %d\n", view.Version)
			fmt.Fprintf(out, "Probability: %s\n", formatProbability(view.MaxMatchProbability))
			fmt.Fprintf(out, "Job:         %d\n", view.JobID)
			fmt.Fprintf(out, "Created:     %s\n", formatTimestamp(view.Created))

			for _, person := range view.Persons {
				fmt.Fprintln(out)
				fmt.Fprintln(out, sectionHeader(out, fmt.Sprintf("Person %s (version %d)", person.UUID, person.Version)))
				rows := make([][]string, 0, len(person.Records))
				for _, record := range person.Records {
					rows = append(rows, []string{
						strconv.FormatInt(record.ID, 10),
						record.DataSource,
						record.SourcePersonID,
						record.FirstName,
						record.LastName,
						record.BirthDate,
						record.SocialSecurityNumber,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "SOURCE", "SOURCE ID", "FIRST", "LAST", "BIRTH DATE", "SSN"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
			}

			if len(view.Results) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, sectionHeader(out, "Pairwise scores"))
				rows := make([][]string, 0, len(view.Results))
				for _, result := range view.Results {
					rows = append(rows, []string{
						strconv.FormatInt(result.RecordLID, 10),
						strconv.FormatInt(result.RecordRID, 10),
						formatProbability(result.MatchProbability),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"RECORD L", "RECORD R", "PROBABILITY"},
					rows,
					[]columnAlignment{alignRight, alignRight, alignRight},
				))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func newMatchesCommitCommand(ctx *commandContext) *cobra.Command {
	var decisionPath string

	cmd := &cobra.Command{
		Use:   "commit <match-uuid>",
		Short: "Apply a reviewed decision to a potential match",
		Long: `Apply a reviewed decision to a potential match.

The decision file is the API commit payload:

  {
    "version": 1,
    "updates": [
      {"uuid": "<person-uuid>", "version": 1, "record_ids": [10, 11]},
      {"record_ids": [12]}
    ],
    "comments": [
      {"record_id": 12, "note": "different patient, sibling"}
    ]
  }

An update without a uuid creates a new person for its records. Use "-" to
read the decision from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := readDecision(decisionPath)
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			result, err := client.CommitMatch(args[0], decision)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Committed match %s: %d records moved\n", args[0], result.MovedRecords)
			for _, created := range result.CreatedPersonUUIDs {
				fmt.Fprintf(out, "Created person %s\n", created)
			}
			for _, deleted := range result.DeletedPersonUUIDs {
				fmt.Fprintf(out, "Deleted empty person %s\n", deleted)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&decisionPath, "file", "f", "", "Decision document path (use - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDecision(path string) (json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read decision document: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("decision document is not valid JSON")
	}
	return json.RawMessage(data), nil
}
