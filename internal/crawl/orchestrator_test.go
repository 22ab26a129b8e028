package crawl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AeyeOps/sitesync/internal/storage"
)

func TestOrchestratorPreparesNewRun(t *testing.T) {
	cfg := testConfig(t)
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)
	ctx := context.Background()

	o := NewOrchestrator(cfg, source, store, nil)
	summary, err := o.Prepare(ctx, PrepareOptions{Label: "nightly"})
	require.NoError(t, err)

	require.False(t, summary.Resumed)
	require.Equal(t, 2, summary.QueuedSeeds)
	require.Equal(t, 1, summary.Depth)
	require.Equal(t, 2, summary.ParallelAgents)
	require.Equal(t, source.StartURLs, summary.SeedURLs)
	require.Equal(t, storage.RunStatusRunning, summary.Run.Status)

	run, err := store.GetRun(ctx, summary.Run.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunStatusRunning, run.Status)
	require.Equal(t, "nightly", run.Label)

	pending, err := store.CountPendingTasks(ctx, summary.Run.ID)
	require.NoError(t, err)
	require.Equal(t, 2, pending)
}

func TestOrchestratorResumeReusesRun(t *testing.T) {
	cfg := testConfig(t)
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)
	ctx := context.Background()
	o := NewOrchestrator(cfg, source, store, nil)

	first, err := o.Prepare(ctx, PrepareOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, first.QueuedSeeds)

	resumed, err := o.Prepare(ctx, PrepareOptions{Resume: true})
	require.NoError(t, err)
	require.True(t, resumed.Resumed)
	require.Equal(t, first.Run.ID, resumed.Run.ID)
	// Seeds already queued on the first pass are absorbed by the unique key.
	require.Zero(t, resumed.QueuedSeeds)

	fresh, err := o.Prepare(ctx, PrepareOptions{})
	require.NoError(t, err)
	require.NotEqual(t, first.Run.ID, fresh.Run.ID)
	require.Equal(t, 2, fresh.QueuedSeeds)
}

func TestOrchestratorResumeFallsBackToNewRun(t *testing.T) {
	cfg := testConfig(t)
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)

	o := NewOrchestrator(cfg, source, store, nil)
	summary, err := o.Prepare(context.Background(), PrepareOptions{Resume: true})
	require.NoError(t, err)

	require.NotNil(t, summary.Run)
	require.True(t, summary.Resumed)
	require.Equal(t, 2, summary.QueuedSeeds)
}

func TestOrchestratorAppliesOverrides(t *testing.T) {
	cfg := testConfig(t)
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)
	ctx := context.Background()

	depth := 5
	parallel := 7
	o := NewOrchestrator(cfg, source, store, nil)
	summary, err := o.Prepare(ctx, PrepareOptions{
		StartURLs:        []string{"https://example.com/custom"},
		DepthOverride:    &depth,
		ParallelOverride: &parallel,
	})
	require.NoError(t, err)

	require.Equal(t, 1, summary.QueuedSeeds)
	require.Equal(t, 5, summary.Depth)
	require.Equal(t, 7, summary.ParallelAgents)
	require.Equal(t, []string{"https://example.com/custom"}, summary.SeedURLs)

	tasks, err := store.ListTasksForRun(ctx, summary.Run.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "https://example.com/custom", tasks[0].URL)
	require.Equal(t, 5, tasks[0].Depth)
}

func TestOrchestratorPrefersSourceParallelAgents(t *testing.T) {
	cfg := testConfig(t)
	sourceParallel := 4
	cfg.Sources[0].ParallelAgents = &sourceParallel
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)

	o := NewOrchestrator(cfg, source, store, nil)
	summary, err := o.Prepare(context.Background(), PrepareOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, summary.ParallelAgents)
}

func TestOrchestratorHandlesMissingSeeds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].StartURLs = nil
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)
	ctx := context.Background()

	o := NewOrchestrator(cfg, source, store, nil)
	summary, err := o.Prepare(ctx, PrepareOptions{})
	require.NoError(t, err)
	require.Zero(t, summary.QueuedSeeds)
	require.Empty(t, summary.SeedURLs)

	pending, err := store.CountPendingTasks(ctx, summary.Run.ID)
	require.NoError(t, err)
	require.Zero(t, pending)
}
