package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AeyeOps/sitesync/internal/reports"
	"github.com/AeyeOps/sitesync/internal/storage"
)

func newStatusCommand() *cobra.Command {
	var detail bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crawl progress for a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()
			source, err := app.resolveSource("")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			overview, err := store.CountTasksByStatusForSource(ctx, source.Name)
			if err != nil {
				return err
			}
			outln(cmd, "Source '%s' overview:", source.Name)
			if len(overview) > 0 {
				total := 0
				for _, count := range overview {
					total += count
				}
				pending := overview[storage.TaskStatusPending]
				inProgress := overview[storage.TaskStatusInProgress]
				outln(cmd, "  total=%d finished=%d remaining=%d in_progress=%d errors=%d",
					total, overview[storage.TaskStatusFinished], pending+inProgress, inProgress, overview[storage.TaskStatusError])
			} else {
				outln(cmd, "  no crawl activity recorded yet.")
			}

			limit := 5
			if detail {
				limit = 10
			}
			runs, err := store.ListRecentRuns(ctx, limit, source.Name)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				outln(cmd, "No runs recorded for this source yet.")
				app.logger.Debug("Status command found no runs for source '%s'.", source.Name)
				return nil
			}

			current := runs[0]
			counts, err := store.GetTaskStatusCounts(ctx, current.ID)
			if err != nil {
				return err
			}
			exceptionsOpen, err := store.CountOpenExceptions(ctx, current.ID)
			if err != nil {
				return err
			}

			resumed := false
			depth, parallel := 0, 0
			haveRunInfo := false
			var seedURLs []string
			queuedSeeds := 0
			if meta := reports.LoadRunMetadata(app.dirs.Metadata, current.ID); meta != nil {
				resumed = meta.Run.Resumed
				depth = meta.Run.Depth
				parallel = meta.Run.ParallelAgents
				seedURLs = meta.Run.SeedURLs
				queuedSeeds = meta.Run.QueuedSeeds
				haveRunInfo = true
			}

			outln(cmd, "")
			outln(cmd, "Current run %d [%s] started %s", current.ID, current.Status, formatClock(current.StartedAt))
			if current.CompletedAt != "" {
				outln(cmd, "  completed %s", formatClock(current.CompletedAt))
			}
			if resumed {
				outln(cmd, "  resumed: yes")
			}
			if haveRunInfo {
				outln(cmd, "  depth=%d parallel=%d", depth, parallel)
			}
			outln(cmd, "  queue pending=%d in_progress=%d finished=%d errors=%d exceptions=%d",
				counts[storage.TaskStatusPending], counts[storage.TaskStatusInProgress],
				counts[storage.TaskStatusFinished], counts[storage.TaskStatusError], exceptionsOpen)
			if len(seedURLs) > 0 {
				shown := seedURLs[:min(3, len(seedURLs))]
				preview := strings.Join(shown, ", ")
				if queuedSeeds > len(shown) {
					preview += fmt.Sprintf(", … (+%d)", queuedSeeds-len(shown))
				}
				outln(cmd, "  seeds: %s", preview)
			}
			outln(cmd, "  log=%s", relativePath(app.logPath()))

			outln(cmd, "")
			outln(cmd, "%s", bold("Recent runs:"))
			for i := range runs {
				run := &runs[i]
				runCounts, err := store.GetTaskStatusCounts(ctx, run.ID)
				if err != nil {
					return err
				}
				total := 0
				for _, count := range runCounts {
					total += count
				}
				icon := historyIcon(run, runCounts[storage.TaskStatusError], current.ID, resumed)
				outln(cmd, "  %s run %d: %d/%d errors=%d %s–%s",
					icon, run.ID, runCounts[storage.TaskStatusFinished], total,
					runCounts[storage.TaskStatusError], formatClock(run.StartedAt), formatClock(run.CompletedAt))
			}

			if detail {
				for i := range runs {
					run := &runs[i]
					runCounts, err := store.GetTaskStatusCounts(ctx, run.ID)
					if err != nil {
						return err
					}
					open, err := store.CountOpenExceptions(ctx, run.ID)
					if err != nil {
						return err
					}
					outln(cmd, "  run %d queue pending=%d in_progress=%d finished=%d errors=%d exceptions=%d",
						run.ID, runCounts[storage.TaskStatusPending], runCounts[storage.TaskStatusInProgress],
						runCounts[storage.TaskStatusFinished], runCounts[storage.TaskStatusError], open)
				}
			}
			app.logger.Debug("Status command listed %d runs for source '%s'.", len(runs), source.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&detail, "detail", false, "Include per-run queue detail")
	return cmd
}

// historyIcon marks a run line: stopped, completed clean, completed with
// errors, resumed and still active, or in flight.
func historyIcon(run *storage.Run, errorCount int, currentRunID int64, currentResumed bool) string {
	switch {
	case run.Status == storage.RunStatusStopped:
		return "■"
	case run.CompletedAt != "":
		if errorCount == 0 {
			return "✓"
		}
		return "!"
	case run.ID == currentRunID && currentResumed:
		return "↺"
	default:
		return "▶"
	}
}

func newRunsCommand() *cobra.Command {
	var (
		all    bool
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List crawl runs for a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()
			source, err := app.sourceName("")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runLimit := limit
			if all {
				runLimit = 1000
			}
			runsList, err := store.ListRecentRuns(ctx, runLimit, source)
			if err != nil {
				return err
			}
			if len(runsList) == 0 {
				errln(cmd, "No runs found for this source.")
				return nil
			}

			if format == "json" {
				rows := make([]map[string]any, 0, len(runsList))
				for i := range runsList {
					run := &runsList[i]
					counts, err := store.GetTaskStatusCounts(ctx, run.ID)
					if err != nil {
						return err
					}
					rows = append(rows, map[string]any{
						"id":           run.ID,
						"source":       run.Source,
						"status":       run.Status,
						"started_at":   run.StartedAt,
						"completed_at": run.CompletedAt,
						"label":        run.Label,
						"task_counts":  counts,
					})
				}
				return printJSON(cmd, rows)
			}

			outln(cmd, "%-6s %-10s %-17s %-17s %s", "ID", "STATUS", "STARTED", "FINISHED", "TASKS")
			for i := range runsList {
				run := &runsList[i]
				counts, err := store.GetTaskStatusCounts(ctx, run.ID)
				if err != nil {
					return err
				}
				total := 0
				for _, count := range counts {
					total += count
				}
				taskSummary := fmt.Sprintf("%d/%d", counts[storage.TaskStatusFinished], total)
				if errorCount := counts[storage.TaskStatusError]; errorCount > 0 {
					taskSummary += fmt.Sprintf(" (%d err)", errorCount)
				}
				outln(cmd, "%-6d %-10s %-17s %-17s %s",
					run.ID, run.Status, formatTimestamp(run.StartedAt), formatTimestamp(run.CompletedAt), taskSummary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Show all runs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table/json)")

	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsTasksCommand())
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}

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

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			counts, err := store.GetTaskStatusCounts(ctx, runID)
			if err != nil {
				return err
			}
			exceptionsOpen, err := store.CountOpenExceptions(ctx, runID)
			if err != nil {
				return err
			}

			if format == "json" {
				return printJSON(cmd, map[string]any{
					"id":              run.ID,
					"source":          run.Source,
					"status":          run.Status,
					"started_at":      run.StartedAt,
					"completed_at":    run.CompletedAt,
					"label":           run.Label,
					"task_counts":     counts,
					"exceptions_open": exceptionsOpen,
				})
			}

			total := 0
			for _, count := range counts {
				total += count
			}
			outln(cmd, "Run %d", run.ID)
			outln(cmd, "  Source:    %s", run.Source)
			outln(cmd, "  Status:    %s", run.Status)
			outln(cmd, "  Started:   %s", formatTimestamp(run.StartedAt))
			outln(cmd, "  Completed: %s", formatTimestamp(run.CompletedAt))
			if run.Label != "" {
				outln(cmd, "  Label:     %s", run.Label)
			}
			outln(cmd, "  Tasks:     %d/%d (pending=%d in_progress=%d errors=%d)",
				counts[storage.TaskStatusFinished], total,
				counts[storage.TaskStatusPending], counts[storage.TaskStatusInProgress], counts[storage.TaskStatusError])
			if exceptionsOpen > 0 {
				outln(cmd, "  Exceptions: %d open", exceptionsOpen)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table/json)")
	return cmd
}

func newRunsTasksCommand() *cobra.Command {
	var (
		runID      int64
		status     string
		errorsOnly bool
		limit      int
		offset     int
		format     string
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the crawl task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()
			source, err := app.sourceName("")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == 0 {
				latest, err := store.GetLatestRun(ctx, source,
					storage.RunStatusCompleted, storage.RunStatusStopped, storage.RunStatusRunning)
				if err != nil {
					return err
				}
				if latest == nil {
					return fmt.Errorf("no runs found; use --run to specify a run ID")
				}
				runID = latest.ID
				errln(cmd, "Using most recent run: %d", runID)
			}

			filterStatus := status
			if errorsOnly {
				filterStatus = storage.TaskStatusError
			}
			tasks, err := store.ListTasksForRun(ctx, runID, filterStatus, limit, offset)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				errln(cmd, "No tasks found matching criteria.")
				return nil
			}

			if format == "json" {
				rows := make([]map[string]any, 0, len(tasks))
				for i := range tasks {
					task := &tasks[i]
					rows = append(rows, map[string]any{
						"id":            task.ID,
						"url":           task.URL,
						"depth":         task.Depth,
						"status":        task.Status,
						"attempt_count": task.AttemptCount,
						"last_error":    task.LastError,
						"lease_owner":   task.LeaseOwner,
						"next_run_at":   task.NextRunAt,
					})
				}
				return printJSON(cmd, rows)
			}

			if errorsOnly {
				outln(cmd, "%-6s %-50s %-8s %s", "ID", "URL", "ATTEMPTS", "ERROR")
				for i := range tasks {
					task := &tasks[i]
					outln(cmd, "%-6d %-50s %-8d %s",
						task.ID, truncate(task.URL, 50), task.AttemptCount, truncate(task.LastError, 40))
				}
				return nil
			}

			outln(cmd, "%-6s %-50s %-12s %-5s %s", "ID", "URL", "STATUS", "DEPTH", "ATTEMPTS")
			for i := range tasks {
				task := &tasks[i]
				outln(cmd, "%-6d %-50s %-12s %-5d %d",
					task.ID, truncate(task.URL, 50), task.Status, task.Depth, task.AttemptCount)
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&runID, "run", "r", 0, "Run ID (defaults to the most recent run)")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by task status")
	cmd.Flags().BoolVarP(&errorsOnly, "errors", "e", false, "Show only error tasks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip N results")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table/json)")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	outln(cmd, "%s", out)
	return nil
}

// formatClock renders a stored timestamp as HH:MM for compact run lines.
func formatClock(timestamp string) string {
	if timestamp == "" {
		return "--"
	}
	parsed, err := time.Parse(storage.TimeLayout, timestamp)
	if err != nil {
		return timestamp
	}
	return parsed.Format("15:04")
}

// formatTimestamp renders a stored timestamp as "YYYY-MM-DD HH:MM" for
// table columns.
func formatTimestamp(timestamp string) string {
	if timestamp == "" {
		return "--"
	}
	if len(timestamp) < 16 {
		return timestamp
	}
	return strings.Replace(timestamp[:16], "T", " ", 1)
}

func formatBytes(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			if unit == "B" {
				return fmt.Sprintf("%.0f %s", value, unit)
			}
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}

// relativePath shortens a path to be relative to the working directory when
// it lives underneath it.
func relativePath(path string) string {
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
