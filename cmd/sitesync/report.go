package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AeyeOps/sitesync/internal/reports"
)

func newReportCommand() *cobra.Command {
	var render bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Regenerate and print the crawl status report",
		Long: `Rebuild tracking/status.md from stored run metadata and print it.

The report covers the most recent runs: queue totals, error counts, and
where each run left its payloads.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if err := reports.WriteStatusReport(app.dirs.Metadata, statusReportFile, 10); err != nil {
				return err
			}
			content, err := os.ReadFile(statusReportFile)
			if err != nil {
				return fmt.Errorf("read status report: %w", err)
			}
			if render {
				fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(string(content)))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(content))
			return nil
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "Render the report as styled terminal markdown")
	return cmd
}
