package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "sitesync.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func expireLease(t *testing.T, store *Store, taskID int64) {
	t.Helper()
	_, err := store.db.ExecContext(context.Background(),
		`UPDATE crawl_tasks SET lease_expires_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-time.Minute)), taskID,
	)
	require.NoError(t, err)
}

func TestOpenCreatesDatabaseAndSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sitesync.sqlite")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	// Running the migration twice must be harmless.
	require.NoError(t, store.EnsureSchema(ctx))

	_, err = os.Stat(path)
	require.NoError(t, err)

	rows, err := store.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()
	tables := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables[name] = true
	}
	require.NoError(t, rows.Err())
	for _, name := range []string{"runs", "crawl_tasks", "assets", "asset_versions", "exceptions"} {
		require.True(t, tables[name], "missing table %s", name)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestTimeLayoutOrdersLexicographically(t *testing.T) {
	earlier := formatTime(time.Date(2026, 3, 9, 8, 0, 0, 1000, time.UTC))
	later := formatTime(time.Date(2026, 3, 9, 8, 0, 0, 2000, time.UTC))
	require.Less(t, earlier, later)
	require.Len(t, earlier, len(later), "layout must be fixed width")
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.StartRun(ctx, "example", "nightly")
	require.NoError(t, err)
	require.Greater(t, run.ID, int64(0))
	require.Equal(t, RunStatusInitialized, run.Status)
	require.Equal(t, "nightly", run.Label)
	require.NotEmpty(t, run.StartedAt)
	require.Empty(t, run.CompletedAt)

	require.NoError(t, store.MarkRunStatus(ctx, run.ID, RunStatusRunning, false))
	fetched, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, fetched.Status)
	require.Empty(t, fetched.CompletedAt)

	require.NoError(t, store.MarkRunStatus(ctx, run.ID, RunStatusCompleted, true))
	fetched, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, fetched.Status)
	require.NotEmpty(t, fetched.CompletedAt)

	_, err = store.GetRun(ctx, run.ID+999)
	require.Error(t, err)
}

func TestResumeRunSkipsCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.StartRun(ctx, "example", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkRunStatus(ctx, first.ID, RunStatusCompleted, true))

	resumed, err := store.ResumeRun(ctx, "example")
	require.NoError(t, err)
	require.Nil(t, resumed, "completed runs are not resumable")

	second, err := store.StartRun(ctx, "example", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkRunStatus(ctx, second.ID, RunStatusStopped, false))

	resumed, err = store.ResumeRun(ctx, "example")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	require.Equal(t, second.ID, resumed.ID)

	none, err := store.ResumeRun(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestListRecentRunsAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.StartRun(ctx, "alpha", "")
	require.NoError(t, err)
	// Later start timestamp for deterministic ordering.
	_, err = store.db.ExecContext(ctx, `UPDATE runs SET started_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-time.Hour)), a.ID)
	require.NoError(t, err)

	b, err := store.StartRun(ctx, "alpha", "")
	require.NoError(t, err)
	_, err = store.StartRun(ctx, "beta", "")
	require.NoError(t, err)

	runs, err := store.ListRecentRuns(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, runs, 3)

	alphaRuns, err := store.ListRecentRuns(ctx, 10, "alpha")
	require.NoError(t, err)
	require.Len(t, alphaRuns, 2)
	require.Equal(t, b.ID, alphaRuns[0].ID)

	latest, err := store.GetLatestRun(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, b.ID, latest.ID)

	require.NoError(t, store.MarkRunStatus(ctx, b.ID, RunStatusCompleted, true))
	latestStopped, err := store.GetLatestRun(ctx, "alpha", RunStatusInitialized, RunStatusRunning)
	require.NoError(t, err)
	require.NotNil(t, latestStopped)
	require.Equal(t, a.ID, latestStopped.ID)

	missing, err := store.GetLatestRun(ctx, "gamma")
	require.NoError(t, err)
	require.Nil(t, missing)
}
