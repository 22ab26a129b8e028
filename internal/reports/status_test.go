package reports

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func metadataFixture(id int64, status string, started string) RunMetadata {
	return RunMetadata{
		Timestamp: started,
		Run: RunInfo{
			ID:             id,
			Source:         "docs",
			Status:         status,
			StartedAt:      started,
			CompletedAt:    "2026-08-25T03:00:00Z",
			Resumed:        false,
			QueuedSeeds:    2,
			SeedURLs:       []string{"https://docs.example.com/"},
			Depth:          2,
			ParallelAgents: 4,
		},
		Stats: Stats{
			Tasks:          map[string]int{"pending": 1, "in_progress": 2, "finished": 3, "error": 4},
			ExceptionsOpen: 5,
		},
	}
}

func writeMetadataFile(t *testing.T, dir string, meta RunMetadata, mod time.Time) {
	t.Helper()
	data, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	path := MetadataPath(dir, meta.Run.ID)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func readReport(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriteStatusReportNoRuns(t *testing.T) {
	base := t.TempDir()
	metadataDir := filepath.Join(base, "runs")
	reportPath := filepath.Join(base, "tracking", "status.md")

	require.NoError(t, WriteStatusReport(metadataDir, reportPath, 10))

	text := readReport(t, reportPath)
	require.Contains(t, text, "# Sitesync Status")
	require.Contains(t, text, "Generated: ")
	require.Contains(t, text, "No runs recorded yet.")
	require.True(t, strings.HasSuffix(text, "\n"))

	info, err := os.Stat(metadataDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestWriteStatusReportLatestAndHistory(t *testing.T) {
	base := t.TempDir()
	metadataDir := filepath.Join(base, "runs")
	reportPath := filepath.Join(base, "tracking", "status.md")
	require.NoError(t, os.MkdirAll(metadataDir, 0o755))

	now := time.Now()
	writeMetadataFile(t, metadataDir, metadataFixture(1, "completed", "2026-08-25T01:00:00Z"), now.Add(-2*time.Hour))
	writeMetadataFile(t, metadataDir, metadataFixture(2, "stopped", "2026-08-25T02:00:00Z"), now.Add(-time.Hour))
	writeMetadataFile(t, metadataDir, metadataFixture(3, "running", "2026-08-25T03:00:00Z"), now)

	require.NoError(t, WriteStatusReport(metadataDir, reportPath, 10))

	text := readReport(t, reportPath)
	require.Contains(t, text, "## Latest Run")
	require.Contains(t, text, "Run ID: 3")
	require.Contains(t, text, "Status: running (resumed=false)")
	require.Contains(t, text, "Started: 2026-08-25T03:00:00Z | Completed: 2026-08-25T03:00:00Z")
	require.Contains(t, text, "Depth: 2 | Parallel Agents: 4")
	require.Contains(t, text, "### Task Summary")
	require.Contains(t, text, "- Pending: 1")
	require.Contains(t, text, "- In Progress: 2")
	require.Contains(t, text, "- Finished: 3")
	require.Contains(t, text, "- Errors: 4")
	require.Contains(t, text, "- Exceptions Open: 5")

	require.Contains(t, text, "## Recent History")
	require.Contains(t, text, "- Run 2 | source=docs | started=2026-08-25T02:00:00Z | status=stopped")
	require.Contains(t, text, "- Run 1 | source=docs | started=2026-08-25T01:00:00Z | status=completed")

	historyIdx := strings.Index(text, "## Recent History")
	run2Idx := strings.Index(text, "- Run 2 |")
	run1Idx := strings.Index(text, "- Run 1 |")
	require.True(t, historyIdx < run2Idx && run2Idx < run1Idx)
	require.True(t, strings.HasSuffix(text, "\n"))
}

func TestWriteStatusReportHonorsLimitAndSkipsInvalid(t *testing.T) {
	base := t.TempDir()
	metadataDir := filepath.Join(base, "runs")
	reportPath := filepath.Join(base, "status.md")
	require.NoError(t, os.MkdirAll(metadataDir, 0o755))

	now := time.Now()
	writeMetadataFile(t, metadataDir, metadataFixture(1, "completed", "2026-08-25T01:00:00Z"), now.Add(-3*time.Hour))
	writeMetadataFile(t, metadataDir, metadataFixture(2, "completed", "2026-08-25T02:00:00Z"), now.Add(-2*time.Hour))
	writeMetadataFile(t, metadataDir, metadataFixture(3, "completed", "2026-08-25T03:00:00Z"), now.Add(-time.Hour))

	brokenPath := MetadataPath(metadataDir, 99)
	require.NoError(t, os.WriteFile(brokenPath, []byte("{broken"), 0o644))
	require.NoError(t, os.Chtimes(brokenPath, now, now))

	require.NoError(t, WriteStatusReport(metadataDir, reportPath, 2))

	text := readReport(t, reportPath)
	require.Contains(t, text, "Run ID: 3")
	require.Contains(t, text, "- Run 2 |")
	require.NotContains(t, text, "Run 99")
	require.NotContains(t, text, "- Run 1 |")
}

func TestWriteStatusReportSingleRunOmitsHistory(t *testing.T) {
	base := t.TempDir()
	metadataDir := filepath.Join(base, "runs")
	reportPath := filepath.Join(base, "status.md")
	require.NoError(t, os.MkdirAll(metadataDir, 0o755))

	writeMetadataFile(t, metadataDir, metadataFixture(7, "completed", "2026-08-25T01:00:00Z"), time.Now())

	require.NoError(t, WriteStatusReport(metadataDir, reportPath, 10))

	text := readReport(t, reportPath)
	require.Contains(t, text, "Run ID: 7")
	require.NotContains(t, text, "## Recent History")
}
