package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/AeyeOps/sitesync/internal/storage"
)

func newSourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect and manage captured sources",
	}
	cmd.AddCommand(newSourcesListCommand())
	cmd.AddCommand(newSourcesSummaryCommand())
	cmd.AddCommand(newSourcesDeleteCommand())
	return cmd
}

func newSourcesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources with capture activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sources, err := store.ListSources(ctx)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				outln(cmd, "No sources found. Run 'sitesync crawl' to capture data.")
				return nil
			}

			outln(cmd, "%-15s %-6s %-8s %-17s %s", "SOURCE", "RUNS", "ASSETS", "LAST RUN", "STATUS")
			for i := range sources {
				src := &sources[i]
				status := src.LastStatus
				if status == "" {
					status = "--"
				}
				outln(cmd, "%-15s %-6d %-8d %-17s %s",
					truncate(src.Name, 15), src.RunCount, src.AssetCount, formatTimestamp(src.LastRunAt), status)
			}
			return nil
		},
	}
}

// sourceNotFound reports a missing source together with the names that do
// exist so typos are easy to spot.
func sourceNotFound(cmd *cobra.Command, store *storage.Store, name string) error {
	sources, err := store.ListSources(cmd.Context())
	if err == nil && len(sources) > 0 {
		errln(cmd, "Available sources:")
		for i := range sources {
			errln(cmd, "  %s", sources[i].Name)
		}
	}
	return fmt.Errorf("source '%s' not found", name)
}

func newSourcesSummaryCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "summary [source]",
		Short: "Show a source's runs, assets, storage, and timeline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			arg := ""
			if len(args) > 0 {
				arg = args[0]
			}
			name, err := app.sourceName(arg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.GetSourceSummary(ctx, name)
			if err != nil {
				return err
			}
			if summary == nil {
				return sourceNotFound(cmd, store, name)
			}
			stats, err := store.GetSourceStats(ctx, name)
			if err != nil {
				return err
			}

			if format == "json" {
				payload := map[string]any{
					"name":        summary.Name,
					"run_count":   summary.RunCount,
					"asset_count": summary.AssetCount,
					"last_run_at": summary.LastRunAt,
					"last_status": summary.LastStatus,
				}
				if stats != nil {
					payload["runs_by_status"] = stats.RunsByStatus
					payload["assets_by_type"] = stats.AssetsByType
					payload["tasks_by_status"] = stats.TasksByStatus
					payload["total_raw_bytes"] = stats.TotalRawBytes
					payload["total_normalized_bytes"] = stats.TotalNormalizedBytes
					payload["first_run_at"] = stats.FirstRunAt
					payload["last_run_at"] = stats.LastRunAt
					payload["avg_duration_seconds"] = stats.AvgDurationSeconds
				}
				return printJSON(cmd, payload)
			}

			runBreakdown := ""
			if stats != nil && len(stats.RunsByStatus) > 0 {
				parts := make([]string, 0, len(stats.RunsByStatus))
				for _, status := range sortedKeys(stats.RunsByStatus) {
					parts = append(parts, fmt.Sprintf("%d %s", stats.RunsByStatus[status], status))
				}
				runBreakdown = fmt.Sprintf(" (%s)", strings.Join(parts, ", "))
			}
			lastStatus := summary.LastStatus
			if lastStatus == "" {
				lastStatus = "none"
			}
			outln(cmd, "Source: %s", summary.Name)
			outln(cmd, "Runs: %d%s", summary.RunCount, runBreakdown)
			outln(cmd, "Assets: %d", summary.AssetCount)
			outln(cmd, "Last run: %s (%s)", formatTimestamp(summary.LastRunAt), lastStatus)

			if stats == nil {
				return nil
			}
			outln(cmd, "")
			printSourceStats(cmd, stats)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table/json)")
	return cmd
}

func printSourceStats(cmd *cobra.Command, stats *storage.SourceStats) {
	totalRuns := 0
	for _, count := range stats.RunsByStatus {
		totalRuns += count
	}
	outln(cmd, "Runs           %d total", totalRuns)
	for _, status := range sortedKeys(stats.RunsByStatus) {
		outln(cmd, "  %-12s %d", status, stats.RunsByStatus[status])
	}
	outln(cmd, "")

	totalAssets := 0
	for _, count := range stats.AssetsByType {
		totalAssets += count
	}
	outln(cmd, "Assets         %d total", totalAssets)
	for _, assetType := range sortedKeys(stats.AssetsByType) {
		count := stats.AssetsByType[assetType]
		outln(cmd, "  %-12s %-6d (%.1f%%)", assetType, count, percent(count, totalAssets))
	}
	outln(cmd, "")

	totalTasks := 0
	for _, count := range stats.TasksByStatus {
		totalTasks += count
	}
	outln(cmd, "Tasks          %d total", totalTasks)
	for _, status := range sortedKeys(stats.TasksByStatus) {
		count := stats.TasksByStatus[status]
		outln(cmd, "  %-12s %-6d (%.1f%%)", status, count, percent(count, totalTasks))
	}
	outln(cmd, "")

	outln(cmd, "Storage")
	outln(cmd, "  Raw          %s", formatBytes(stats.TotalRawBytes))
	outln(cmd, "  Normalized   %s", formatBytes(stats.TotalNormalizedBytes))
	outln(cmd, "")

	outln(cmd, "Timeline")
	outln(cmd, "  First run    %s", formatTimestamp(stats.FirstRunAt))
	outln(cmd, "  Last run     %s", formatTimestamp(stats.LastRunAt))
	if stats.HasDuration {
		mins := int(stats.AvgDurationSeconds) / 60
		secs := int(stats.AvgDurationSeconds) % 60
		outln(cmd, "  Avg duration %dm %ds", mins, secs)
	}
}

func percent(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

func sortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func newSourcesDeleteCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <source>",
		Short: "Delete all captured data for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.GetSourceSummary(ctx, name)
			if err != nil {
				return err
			}
			if summary == nil {
				return sourceNotFound(cmd, store, name)
			}
			stats, err := store.GetSourceStats(ctx, name)
			if err != nil {
				return err
			}
			totalBytes := int64(0)
			if stats != nil {
				totalBytes = stats.TotalRawBytes + stats.TotalNormalizedBytes
			}

			if !force {
				outln(cmd, "%s", red("This will permanently delete:"))
				outln(cmd, "  - %d runs", summary.RunCount)
				outln(cmd, "  - %d assets", summary.AssetCount)
				outln(cmd, "  - %s of files", formatBytes(totalBytes))
				outln(cmd, "")

				if !isTTY() {
					return fmt.Errorf("no terminal available for confirmation; pass --force to delete")
				}
				prompt := promptui.Prompt{Label: fmt.Sprintf("Type '%s' to confirm", name)}
				confirmed, err := prompt.Run()
				if err != nil || confirmed != name {
					return errors.New("aborted")
				}
			}

			result, err := store.DeleteSource(ctx, name)
			if err != nil {
				if errors.Is(err, storage.ErrSourceRunning) {
					return fmt.Errorf("%v; stop the crawl first or wait for completion", err)
				}
				return err
			}
			outln(cmd, "Deleted %d runs, %d assets, %s for '%s'.",
				result.RunsDeleted, result.AssetsDeleted, formatBytes(result.BytesFreed), name)
			app.logger.Info("Deleted source '%s': %d runs, %d assets, %d files, %d bytes.",
				name, result.RunsDeleted, result.AssetsDeleted, result.FilesDeleted, result.BytesFreed)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}
