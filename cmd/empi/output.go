package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	ansiBlue  = "\x1b[34m"
	ansiReset = "\x1b[0m"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func sectionHeader(writer io.Writer, title string) string {
	line := title
	rule := strings.Repeat("-", len(line))
	if shouldColorize(writer) {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return line + "\n" + rule
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatProbability(p float64) string {
	return fmt.Sprintf("%.3f", p)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable draws a rounded table. Rows shorter than the header are padded
// with empty cells; numeric columns are passed as alignRight.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	if len(headers) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	head := make(table.Row, 0, len(headers))
	for _, h := range headers {
		head = append(head, h)
	}
	tw.AppendHeader(head)

	for _, row := range rows {
		cells := make(table.Row, len(headers))
		for i := range cells {
			cells[i] = ""
			if i < len(row) {
				cells[i] = row[i]
			}
		}
		tw.AppendRow(cells)
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range configs {
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       text.AlignLeft,
			AlignHeader: text.AlignLeft,
		}
		if i < len(aligns) && aligns[i] == alignRight {
			configs[i].Align = text.AlignRight
		}
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}
