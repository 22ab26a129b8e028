package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AeyeOps/sitesync/internal/config"
	"github.com/AeyeOps/sitesync/internal/crawl"
	"github.com/AeyeOps/sitesync/internal/fetch"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/observability"
	"github.com/AeyeOps/sitesync/internal/plugins"
	"github.com/AeyeOps/sitesync/internal/reports"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// statusReportFile is the tracking dashboard refreshed after every run.
var statusReportFile = filepath.Join("tracking", "status.md")

type crawlOptions struct {
	resume    bool
	startURLs []string
	depth     int
	parallel  int
	label     string
	fetcher   string
	dryRun    bool
}

func newCrawlCommand() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl [source]",
		Short: "Start or resume a crawl run",
		Long: `Crawl queues the source's seed URLs in the durable task queue and works
them with parallel agents. Interrupting with Ctrl+C releases in-flight
tasks back to the queue so a later --resume picks up where this run left
off.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			source, err := app.resolveSource(name)
			if err != nil {
				return err
			}
			if opts.fetcher != "" {
				overridden := *source
				overridden.Fetcher = opts.fetcher
				source = &overridden
			}

			var depthOverride, parallelOverride *int
			if cmd.Flags().Changed("depth") {
				depthOverride = &opts.depth
			}
			if cmd.Flags().Changed("parallel") {
				parallelOverride = &opts.parallel
			}

			if opts.dryRun {
				printCrawlPlan(cmd, app, source, opts.startURLs, depthOverride, parallelOverride)
				return nil
			}
			return runCrawl(cmd, app, source, opts, depthOverride, parallelOverride)
		},
	}

	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Resume an interrupted crawl")
	cmd.Flags().StringArrayVar(&opts.startURLs, "start-url", nil, "Seed URL to enqueue for the run; may be provided multiple times")
	cmd.Flags().IntVar(&opts.depth, "depth", 0, "Override maximum crawl depth while this command runs")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 0, "Override number of concurrent agents")
	cmd.Flags().StringVar(&opts.label, "label", "", "Label recorded on the run")
	cmd.Flags().StringVar(&opts.fetcher, "fetcher", "", "Override the source's fetcher (http, null)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the run plan without queueing tasks")
	return cmd
}

// effectiveSettings mirrors the orchestrator's override resolution so the
// dry-run plan matches what a real run would use.
func effectiveSettings(cfg *config.Config, source *config.SourceSettings, depthOverride, parallelOverride *int) (depth, parallel int) {
	depth = source.Depth
	if depthOverride != nil {
		depth = *depthOverride
	}
	parallel = cfg.Crawler.ParallelAgents
	if source.ParallelAgents != nil && *source.ParallelAgents > 0 {
		parallel = *source.ParallelAgents
	}
	if parallelOverride != nil {
		parallel = *parallelOverride
	}
	return depth, parallel
}

func printCrawlPlan(cmd *cobra.Command, app *appContext, source *config.SourceSettings, startURLs []string, depthOverride, parallelOverride *int) {
	depth, parallel := effectiveSettings(app.cfg, source, depthOverride, parallelOverride)
	seeds := startURLs
	if len(seeds) == 0 {
		seeds = source.StartURLs
	}

	outln(cmd, "Dry run for source '%s':", source.Name)
	if len(seeds) > 0 {
		outln(cmd, "  seeds: %s", seedPreview(seeds, len(seeds)))
	} else {
		outln(cmd, "  seeds: none configured")
	}
	outln(cmd, "  depth=%d parallel_agents=%d fetcher=%s", depth, parallel, source.Fetcher)
	outln(cmd, "  database=%s", app.cfg.Storage.Path)
	outln(cmd, "  raw=%s normalized=%s media=%s", app.dirs.Raw, app.dirs.Normalized, app.dirs.Media)
	outln(cmd, "No tasks were queued.")
}

// seedPreview renders up to three seed URLs plus an overflow marker.
func seedPreview(seedURLs []string, queued int) string {
	preview := seedURLs
	if len(preview) > 3 {
		preview = preview[:3]
	}
	text := strings.Join(preview, ", ")
	if more := queued - len(preview); more > 0 {
		text += fmt.Sprintf(", … (+%d more)", more)
	}
	return text
}

func runCrawl(cmd *cobra.Command, app *appContext, source *config.SourceSettings, opts crawlOptions, depthOverride, parallelOverride *int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, app.cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics, err := observability.NewMetricsCollector(app.cfg.Observability.Metrics)
	if err != nil {
		return err
	}
	defer func() { _ = metrics.Shutdown(context.WithoutCancel(ctx)) }()

	tracer, err := observability.NewTracerProvider(app.cfg.Observability.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.WithoutCancel(ctx)) }()

	orchestrator := crawl.NewOrchestrator(app.cfg, source, store, logging.WithComponent(app.logger, "orchestrator"))
	summary, err := orchestrator.Prepare(ctx, crawl.PrepareOptions{
		Resume:           opts.resume,
		StartURLs:        opts.startURLs,
		DepthOverride:    depthOverride,
		ParallelOverride: parallelOverride,
		Label:            opts.label,
	})
	if err != nil {
		return err
	}

	mode := "new"
	if summary.Resumed {
		mode = "resumed"
	}
	outln(cmd, "Run %d (%s) queued %d seed task(s).", summary.Run.ID, mode, summary.QueuedSeeds)
	outln(cmd, "Depth=%d parallel_agents=%d log=%s", summary.Depth, summary.ParallelAgents, app.logPath())

	counts, err := store.GetTaskStatusCounts(ctx, summary.Run.ID)
	if err != nil {
		return err
	}
	pending := counts[storage.TaskStatusPending]
	inProgress := counts[storage.TaskStatusInProgress]
	finished := counts[storage.TaskStatusFinished]

	switch {
	case summary.Resumed:
		outln(cmd, "Resuming run %d: pending=%d in_progress=%d finished=%d", summary.Run.ID, pending, inProgress, finished)
	case len(summary.SeedURLs) > 0:
		outln(cmd, "Seeded %d URL(s): %s", summary.QueuedSeeds, seedPreview(summary.SeedURLs, summary.QueuedSeeds))
	default:
		outln(cmd, "No seed URLs supplied; nothing to crawl.")
	}

	if pending+inProgress == 0 {
		app.logger.Info("Run %d has no tasks to process; marking completed.", summary.Run.ID)
		return finalizeRun(ctx, cmd, store, app, source, summary, storage.RunStatusCompleted, nil)
	}

	fetchLogger := logging.WithComponent(app.logger, "fetch")
	pageOpts := fetch.Options{RawDir: app.dirs.Raw, MediaDir: app.dirs.Media, Logger: fetchLogger}
	pageOpts.ApplyRaw(source.FetcherOptions)
	pageFetcher, err := fetch.New(source.Fetcher, pageOpts)
	if err != nil {
		return err
	}
	mediaFetcher, err := fetch.New("media", fetch.Options{MediaDir: app.dirs.Media, Logger: fetchLogger})
	if err != nil {
		return err
	}

	pipeline := &assetPipeline{
		store:         store,
		registry:      plugins.DefaultRegistry(),
		normalizedDir: app.dirs.Normalized,
		runID:         summary.Run.ID,
		logger:        logging.WithComponent(app.logger, "assets"),
	}

	executor, err := crawl.NewExecutor(crawl.ExecutorOptions{
		Config:       app.cfg,
		Source:       source,
		Store:        store,
		Fetcher:      pageFetcher,
		MediaFetcher: mediaFetcher,
		Logger:       logging.WithComponent(app.logger, "executor"),
		Metrics:      metrics,
		Tracer:       tracer,
		OnSuccess:    pipeline.handleSuccess,
		OnFailure:    pipeline.handleFailure,
	})
	if err != nil {
		return err
	}

	runErr := executor.Run(ctx, summary.Run.ID, summary.ParallelAgents)
	status := storage.RunStatusCompleted
	if runErr != nil {
		if !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		errln(cmd, "Received interrupt; stopping crawl.")
		status = storage.RunStatusStopped
	}
	return finalizeRun(ctx, cmd, store, app, source, summary, status, executor)
}

// finalizeRun records the final run status and regenerates the run
// artifacts. It runs on a cancellation-proof context so an interrupt still
// leaves metadata and the status report behind.
func finalizeRun(ctx context.Context, cmd *cobra.Command, store *storage.Store, app *appContext, source *config.SourceSettings, summary *crawl.RunSummary, status string, executor *crawl.Executor) error {
	ctx = context.WithoutCancel(ctx)

	if err := store.MarkRunStatus(ctx, summary.Run.ID, status, true); err != nil {
		return err
	}
	run, err := store.GetRun(ctx, summary.Run.ID)
	if err != nil {
		return err
	}

	if _, err := reports.WriteRunMetadata(ctx, store, reports.RunMetadataInput{
		Run:            run,
		Resumed:        summary.Resumed,
		QueuedSeeds:    summary.QueuedSeeds,
		SeedURLs:       summary.SeedURLs,
		Depth:          summary.Depth,
		ParallelAgents: summary.ParallelAgents,
		Source:         source,
		Config:         app.cfg,
		Dirs:           app.dirs,
	}); err != nil {
		return err
	}
	if err := reports.WriteStatusReport(app.dirs.Metadata, statusReportFile, 10); err != nil {
		return err
	}

	if executor == nil {
		return nil
	}
	if err := emitRunExitSummary(ctx, cmd, store, summary.Run.ID); err != nil {
		return err
	}
	emitRuntimeDenySuggestion(cmd, executor.RuntimeDenies(), source)
	return nil
}

func emitRunExitSummary(ctx context.Context, cmd *cobra.Command, store *storage.Store, runID int64) error {
	counts, err := store.GetTaskStatusCounts(ctx, runID)
	if err != nil {
		return err
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	finishedText := green(fmt.Sprintf("finished=%d/%d", counts[storage.TaskStatusFinished], total))
	errorsText := fmt.Sprintf("errors=%d", counts[storage.TaskStatusError])
	if counts[storage.TaskStatusError] > 0 {
		errorsText = red(errorsText)
	}
	outln(cmd, "")
	outln(cmd, "Run %d summary: %s pending=%d in_progress=%d %s",
		runID, finishedText, counts[storage.TaskStatusPending], counts[storage.TaskStatusInProgress], errorsText)
	return nil
}

// denyDomainRules is the YAML shape of one allowed_domains entry in the
// suggested config patch.
type denyDomainRules struct {
	AllowPaths []string `yaml:"allow_paths"`
	DenyPaths  []string `yaml:"deny_paths"`
}

// suggestDenyPatch merges the filter's runtime deny patterns into the
// source's configured rules. Domains the config never mentioned get an
// entry of their own with empty allow paths.
func suggestDenyPatch(source *config.SourceSettings, runtimeDenies map[string][]string) map[string]any {
	domains := map[string]denyDomainRules{}
	for domain, rules := range source.AllowedDomains {
		merged := append([]string{}, rules.DenyPaths...)
		merged = append(merged, runtimeDenies[domain]...)
		domains[domain] = denyDomainRules{
			AllowPaths: append([]string{}, rules.AllowPaths...),
			DenyPaths:  sortedUnique(merged),
		}
	}
	for domain, patterns := range runtimeDenies {
		if _, ok := domains[domain]; ok {
			continue
		}
		domains[domain] = denyDomainRules{AllowPaths: []string{}, DenyPaths: sortedUnique(patterns)}
	}

	return map[string]any{
		"sources": []map[string]any{{
			"name":            source.Name,
			"start_urls":      append([]string{}, source.StartURLs...),
			"allowed_domains": domains,
		}},
	}
}

func emitRuntimeDenySuggestion(cmd *cobra.Command, runtimeDenies map[string][]string, source *config.SourceSettings) {
	if len(runtimeDenies) == 0 {
		return
	}
	rendered, err := yaml.Marshal(suggestDenyPatch(source, runtimeDenies))
	if err != nil {
		return
	}
	outln(cmd, "")
	outln(cmd, "%s", yellow("We hit auth redirects during this crawl. The block below adds deny rules so future runs skip those login loops and stay on public docs."))
	outln(cmd, "Suggested config update:")
	outln(cmd, "%s", strings.TrimSpace(string(rendered)))
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

// assetPipeline turns fetch results into stored asset records and logs
// failed tasks as exceptions.
type assetPipeline struct {
	store         *storage.Store
	registry      *plugins.Registry
	normalizedDir string
	runID         int64
	logger        logging.Logger
}

func (p *assetPipeline) handleSuccess(ctx context.Context, task *storage.Task, result *fetch.Result) error {
	if result.RawPayloadPath == "" {
		return nil
	}

	var fetchMetadata map[string]any
	if result.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(result.MetadataJSON), &fetchMetadata); err != nil {
			fetchMetadata = map[string]any{"raw": result.MetadataJSON}
		}
	}

	matched := p.registry.Find(result.AssetType)
	if len(matched) == 0 {
		checksum := result.Checksum
		if checksum == "" {
			checksum = fallbackChecksum(task.URL)
		}
		return p.storeRecord(ctx, task, result, storage.AssetInput{
			AssetKey:       task.URL,
			AssetType:      result.AssetType,
			Checksum:       checksum,
			NormalizedPath: firstNonEmpty(result.NormalizedPayloadPath, result.RawPayloadPath),
			MetadataJSON:   encodeAssetMetadata(nil, fetchMetadata, nil),
		})
	}

	for _, plugin := range matched {
		records, err := plugin.Normalize(task.URL, result.RawPayloadPath, result.MetadataJSON, p.normalizedDir)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", plugin.Name(), err)
		}
		for _, record := range records {
			checksum := firstNonEmpty(record.Checksum, result.Checksum)
			if checksum == "" {
				checksum = fallbackChecksum(task.URL)
			}
			input := storage.AssetInput{
				AssetKey:       record.Identifier,
				AssetType:      record.AssetType,
				Checksum:       checksum,
				NormalizedPath: firstNonEmpty(record.NormalizedPath, result.NormalizedPayloadPath, result.RawPayloadPath),
				MetadataJSON:   encodeAssetMetadata(record.Tags, fetchMetadata, record.Metadata),
			}
			if err := p.storeRecord(ctx, task, result, input); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *assetPipeline) storeRecord(ctx context.Context, task *storage.Task, result *fetch.Result, input storage.AssetInput) error {
	input.SourceURL = task.URL
	input.RawPath = result.RawPayloadPath
	_, err := p.store.RecordAsset(ctx, p.runID, input)
	return err
}

func (p *assetPipeline) handleFailure(ctx context.Context, task *storage.Task, cause error) {
	_, err := p.store.RecordException(context.WithoutCancel(ctx), p.runID, storage.ExceptionInput{
		Stage:   "fetch",
		URL:     task.URL,
		Message: cause.Error(),
	})
	if err != nil {
		p.logger.Warn("Failed to record exception for task %d: %v", task.ID, err)
	}
}

// encodeAssetMetadata packs plugin tags, fetch metadata, and normalization
// extras into the stored metadata envelope. Empty sections are dropped; an
// empty envelope encodes to "".
func encodeAssetMetadata(tags []string, fetchMeta map[string]any, normalized map[string]any) string {
	meta := map[string]any{}
	if len(tags) > 0 {
		meta["tags"] = tags
	}
	if len(fetchMeta) > 0 {
		meta["fetch"] = fetchMeta
	}
	if len(normalized) > 0 {
		meta["normalized"] = normalized
	}
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// fallbackChecksum keeps assets versionable when a fetcher produced no
// checksum. The uuid suffix makes every fallback distinct so repeated
// fetches register as new versions instead of silently deduplicating.
func fallbackChecksum(url string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s", url, uuid.NewString())))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
