package reports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// WriteStatusReport renders a Markdown summary of the newest run metadata
// artifacts into reportPath. At most limit entries are included, ordered by
// file modification time so the latest run leads. Files that fail to parse
// are skipped.
func WriteStatusReport(metadataDir, reportPath string, limit int) error {
	if limit <= 0 {
		limit = 10
	}
	if err := os.MkdirAll(metadataDir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	entries, err := loadRecentMetadata(metadataDir, limit)
	if err != nil {
		return err
	}

	lines := []string{"# Sitesync Status", ""}
	lines = append(lines, "Generated: "+time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	lines = append(lines, "")

	if len(entries) == 0 {
		lines = append(lines, "No runs recorded yet.")
	} else {
		lines = append(lines, "## Latest Run")
		lines = append(lines, formatEntry(entries[0])...)
		lines = append(lines, "")

		if len(entries) > 1 {
			lines = append(lines, "## Recent History")
			for _, entry := range entries[1:] {
				lines = append(lines, fmt.Sprintf(
					"- Run %d | source=%s | started=%s | status=%s",
					entry.Run.ID, entry.Run.Source, entry.Run.StartedAt, entry.Run.Status,
				))
			}
			lines = append(lines, "")
		}
	}

	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	content := strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
	if err := os.WriteFile(reportPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write status report: %w", err)
	}
	return nil
}

// loadRecentMetadata reads up to limit run-*.json files, newest first.
func loadRecentMetadata(metadataDir string, limit int) ([]RunMetadata, error) {
	paths, err := filepath.Glob(filepath.Join(metadataDir, "run-*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan metadata dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	entries := make([]RunMetadata, 0, limit)
	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		entries = append(entries, meta)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func formatEntry(entry RunMetadata) []string {
	run := entry.Run
	tasks := entry.Stats.Tasks
	return []string{
		fmt.Sprintf("Run ID: %d", run.ID),
		"Source: " + run.Source,
		fmt.Sprintf("Status: %s (resumed=%t)", run.Status, run.Resumed),
		fmt.Sprintf("Started: %s | Completed: %s", run.StartedAt, run.CompletedAt),
		fmt.Sprintf("Depth: %d | Parallel Agents: %d", run.Depth, run.ParallelAgents),
		"",
		"### Task Summary",
		fmt.Sprintf("- Pending: %d", tasks["pending"]),
		fmt.Sprintf("- In Progress: %d", tasks["in_progress"]),
		fmt.Sprintf("- Finished: %d", tasks["finished"]),
		fmt.Sprintf("- Errors: %d", tasks["error"]),
		fmt.Sprintf("- Exceptions Open: %d", entry.Stats.ExceptionsOpen),
	}
}
