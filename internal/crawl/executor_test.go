package crawl

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AeyeOps/sitesync/internal/config"
	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/fetch"
	"github.com/AeyeOps/sitesync/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "sitesync.db"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testConfig uses small backoffs so queue-level retries settle within the
// dispatcher's idle cadence.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Version:       1,
		DefaultSource: "default",
		Crawler: config.CrawlerSettings{
			ParallelAgents:    2,
			PagesPerAgent:     2,
			JitterSeconds:     0.1,
			HeartbeatSeconds:  5,
			MaxRetries:        3,
			BackoffMinSeconds: 0.02,
			BackoffMaxSeconds: 0.1,
			BackoffMultiplier: 2,
		},
		Storage: config.StorageSettings{Path: filepath.Join(t.TempDir(), "sitesync.db")},
		Sources: []config.SourceSettings{{
			Name:      "default",
			StartURLs: []string{"https://example.com/a", "https://example.com/b"},
			AllowedDomains: map[string]config.DomainFilter{
				"example.com": {},
			},
			Depth:   1,
			Fetcher: "http",
		}},
	}
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, task *storage.Task) (*fetch.Result, error)
}

func (f *stubFetcher) Fetch(_ context.Context, task *storage.Task) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, task)
	}
	return &fetch.Result{AssetsCreated: 1, Checksum: "checksum"}, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seedRun(t *testing.T, store *storage.Store, source string, taskType string, seeds ...storage.Seed) *storage.Run {
	t.Helper()
	ctx := context.Background()
	run, err := store.StartRun(ctx, source, "")
	require.NoError(t, err)
	queued, err := store.EnqueueSeedTasks(ctx, run.ID, seeds, taskType)
	require.NoError(t, err)
	require.Equal(t, len(seeds), queued)
	return run
}

func newTestExecutor(t *testing.T, cfg *config.Config, store *storage.Store, opts ExecutorOptions) *Executor {
	t.Helper()
	opts.Config = cfg
	opts.Store = store
	if opts.Source == nil {
		source, err := cfg.Source("")
		require.NoError(t, err)
		opts.Source = source
	}
	executor, err := NewExecutor(opts)
	require.NoError(t, err)
	return executor
}

func runContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewExecutorValidatesOptions(t *testing.T) {
	cfg := testConfig(t)
	source, err := cfg.Source("")
	require.NoError(t, err)
	store := newTestStore(t)
	fetcher := &stubFetcher{}

	for _, opts := range []ExecutorOptions{
		{Source: source, Store: store, Fetcher: fetcher},
		{Config: cfg, Store: store, Fetcher: fetcher},
		{Config: cfg, Source: source, Fetcher: fetcher},
		{Config: cfg, Source: source, Store: store},
	} {
		_, err := NewExecutor(opts)
		require.Error(t, err)
	}
}

func TestExecutorProcessesQueuedTasks(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1},
		storage.Seed{URL: "https://example.com/b", Depth: 1},
	)

	fetcher := &stubFetcher{}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 2))

	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusFinished: 2}, counts)
	require.Equal(t, 2, fetcher.Calls())
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1})

	fetcher := &stubFetcher{fn: func(call int, _ *storage.Task) (*fetch.Result, error) {
		if call == 1 {
			return nil, sitesyncerrors.Transientf("connection reset")
		}
		return &fetch.Result{AssetsCreated: 1}, nil
	}}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))

	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusFinished: 1}, counts)
	require.Equal(t, 2, fetcher.Calls())
}

func TestExecutorMarksErrorAfterRetryExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.MaxRetries = 2
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1})

	fetcher := &stubFetcher{fn: func(int, *storage.Task) (*fetch.Result, error) {
		return nil, sitesyncerrors.Transientf("HTTP 503 fetching page")
	}}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 2, fetcher.Calls())

	ctx := context.Background()
	counts, err := store.GetTaskStatusCounts(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusError: 1}, counts)

	failed, err := store.ListTasksForRun(ctx, run.ID, storage.TaskStatusError, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].LastError, "retry exhausted after 2 attempt(s)")
}

func TestExecutorRequeuesUnclassifiedFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.MaxRetries = 2
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1})

	fetcher := &stubFetcher{fn: func(int, *storage.Task) (*fetch.Result, error) {
		return nil, sitesyncerrors.Permanentf("fetch exploded")
	}}
	var mu sync.Mutex
	var failures []error
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{
		Fetcher: fetcher,
		OnFailure: func(_ context.Context, _ *storage.Task, err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	})

	// Permanent failures skip the in-worker retry loop but still walk the
	// queue-level backoff until the attempt budget is spent.
	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 2, fetcher.Calls())

	ctx := context.Background()
	counts, err := store.GetTaskStatusCounts(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusError: 1}, counts)

	failed, err := store.ListTasksForRun(ctx, run.ID, storage.TaskStatusError, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "fetch exploded", failed[0].LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
}

func TestExecutorFiltersTasksAtDispatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].AllowedDomains = map[string]config.DomainFilter{
		"example.com": {DenyPaths: []string{"/private/**"}},
	}
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "ftp://example.com/file", Depth: 1},
		storage.Seed{URL: "https://other.net/x", Depth: 1},
		storage.Seed{URL: "https://example.com/private/x", Depth: 1},
		storage.Seed{URL: "https://example.com/docs", Depth: 1},
	)

	fetcher := &stubFetcher{}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 1, fetcher.Calls())

	byURL := tasksByURL(t, store, run.ID)
	require.Equal(t, storage.TaskStatusError, byURL["ftp://example.com/file"].Status)
	require.Equal(t, "filtered invalid url", byURL["ftp://example.com/file"].LastError)
	require.Equal(t, storage.TaskStatusError, byURL["https://other.net/x"].Status)
	require.Equal(t, "filtered by domain rules", byURL["https://other.net/x"].LastError)
	require.Equal(t, storage.TaskStatusError, byURL["https://example.com/private/x"].Status)
	require.Equal(t, "filtered by path rules", byURL["https://example.com/private/x"].LastError)
	require.Equal(t, storage.TaskStatusFinished, byURL["https://example.com/docs"].Status)
}

func TestExecutorMediaBypassesDomainRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].AllowedDomains = map[string]config.DomainFilter{
		"example.com": {AllowPaths: []string{"/docs/**"}},
	}
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypeMedia,
		storage.Seed{URL: "https://cdn.example.net/img/logo.png", Depth: 0})

	fetcher := &stubFetcher{}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))

	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusFinished: 1}, counts)
	require.Equal(t, 1, fetcher.Calls())
}

func TestExecutorRoutesMediaToMediaFetcher(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypeMedia,
		storage.Seed{URL: "https://example.com/img/logo.png", Depth: 0})

	pages := &stubFetcher{}
	media := &stubFetcher{}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: pages, MediaFetcher: media})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 1, media.Calls())
	require.Zero(t, pages.Calls())
}

func TestExecutorMediaFallsBackToPageFetcher(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypeMedia,
		storage.Seed{URL: "https://example.com/img/logo.png", Depth: 0})

	pages := &stubFetcher{}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: pages})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 1, pages.Calls())
}

func TestExecutorStopReleasesTasks(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1},
		storage.Seed{URL: "https://example.com/b", Depth: 1},
	)

	runCtx, cancel := context.WithCancel(runContext(t))
	defer cancel()
	fetcher := &stubFetcher{fn: func(int, *storage.Task) (*fetch.Result, error) {
		cancel()
		return nil, runCtx.Err()
	}}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	err := executor.Run(runCtx, run.ID, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.Calls())

	// Both the task the worker held and the queued one are pending again.
	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusPending: 2}, counts)
}

func TestExecutorSuccessHookFailureRequeues(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawler.MaxRetries = 2
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/a", Depth: 1})

	fetcher := &stubFetcher{}
	var mu sync.Mutex
	var failures []error
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{
		Fetcher: fetcher,
		OnSuccess: func(context.Context, *storage.Task, *fetch.Result) error {
			return fmt.Errorf("asset pipeline unavailable")
		},
		OnFailure: func(_ context.Context, _ *storage.Task, err error) {
			mu.Lock()
			failures = append(failures, err)
			mu.Unlock()
		},
	})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 2, fetcher.Calls())

	ctx := context.Background()
	counts, err := store.GetTaskStatusCounts(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusError: 1}, counts)

	failed, err := store.ListTasksForRun(ctx, run.ID, storage.TaskStatusError, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "asset pipeline unavailable", failed[0].LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
}

func TestExecutorSkipsDiscoveryOnAuthRedirect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].AllowedDomains = nil
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://hire.lever.co/settings/roles", Depth: 3})

	fixture := writeFixture(t, `<html><body><a href="/jobs">Jobs</a></body></html>`)
	fetcher := &stubFetcher{fn: func(int, *storage.Task) (*fetch.Result, error) {
		return &fetch.Result{
			AssetsCreated:  1,
			RawPayloadPath: fixture,
			MetadataJSON:   `{"url":"https://hire.lever.co/auth/login?continue=%2Fsettings%2Froles"}`,
		}, nil
	}}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 1))
	require.Equal(t, 1, fetcher.Calls())

	// The login page's links never reach the queue.
	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusFinished: 1}, counts)

	require.Equal(t, map[string][]string{
		"hire.lever.co": {"/auth/**", "/settings/roles/**"},
	}, executor.RuntimeDenies())
}

func TestExecutorDiscoversAndCrawlsLinks(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	run := seedRun(t, store, "default", storage.TaskTypePage,
		storage.Seed{URL: "https://example.com/docs/", Depth: 2})

	fixture := writeFixture(t, `<html><body><a href="/docs/next">next</a></body></html>`)
	fetcher := &stubFetcher{fn: func(int, *storage.Task) (*fetch.Result, error) {
		return &fetch.Result{AssetsCreated: 1, RawPayloadPath: fixture}, nil
	}}
	executor := newTestExecutor(t, cfg, store, ExecutorOptions{Fetcher: fetcher})

	require.NoError(t, executor.Run(runContext(t), run.ID, 2))
	require.Equal(t, 2, fetcher.Calls())

	counts, err := store.GetTaskStatusCounts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{storage.TaskStatusFinished: 2}, counts)

	byURL := tasksByURL(t, store, run.ID)
	discovered, ok := byURL["https://example.com/docs/next"]
	require.True(t, ok)
	require.Equal(t, 1, discovered.Depth)
	require.Equal(t, storage.TaskTypePage, discovered.TaskType)
}
