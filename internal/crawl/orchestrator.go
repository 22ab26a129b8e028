package crawl

import (
	"context"

	"github.com/AeyeOps/sitesync/internal/config"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// RunSummary describes a prepared run: what was queued and the effective
// settings the executor should honor.
type RunSummary struct {
	Run            *storage.Run
	QueuedSeeds    int
	Resumed        bool
	Depth          int
	ParallelAgents int
	SeedURLs       []string
}

// PrepareOptions carry per-invocation overrides for a run.
type PrepareOptions struct {
	Resume           bool
	StartURLs        []string
	DepthOverride    *int
	ParallelOverride *int
	Label            string
}

// Orchestrator prepares runs for one source: it creates or resumes the run
// row, queues seed tasks, and reports the effective settings.
type Orchestrator struct {
	cfg    *config.Config
	source *config.SourceSettings
	store  *storage.Store
	logger logging.Logger
}

func NewOrchestrator(cfg *config.Config, source *config.SourceSettings, store *storage.Store, logger logging.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, source: source, store: store, logger: logging.OrNop(logger)}
}

// Prepare creates or resumes a run and queues its seed tasks. Duplicate
// seeds are absorbed by the queue's unique key, so preparing the same run
// twice cannot double-queue.
func (o *Orchestrator) Prepare(ctx context.Context, opts PrepareOptions) (*RunSummary, error) {
	run, err := o.resumeOrStart(ctx, opts.Resume, opts.Label)
	if err != nil {
		return nil, err
	}

	depth := o.source.Depth
	if opts.DepthOverride != nil {
		depth = *opts.DepthOverride
	}
	parallel := o.cfg.Crawler.ParallelAgents
	if o.source.ParallelAgents != nil && *o.source.ParallelAgents > 0 {
		parallel = *o.source.ParallelAgents
	}
	if opts.ParallelOverride != nil {
		parallel = *opts.ParallelOverride
	}

	seeds := opts.StartURLs
	if len(seeds) == 0 {
		seeds = o.source.StartURLs
	}
	seedTasks := make([]storage.Seed, 0, len(seeds))
	for _, seed := range seeds {
		seedTasks = append(seedTasks, storage.Seed{URL: seed, Depth: depth})
	}
	queued, err := o.store.EnqueueSeedTasks(ctx, run.ID, seedTasks, storage.TaskTypePage)
	if err != nil {
		return nil, err
	}

	if err := o.store.MarkRunStatus(ctx, run.ID, storage.RunStatusRunning, false); err != nil {
		return nil, err
	}
	run.Status = storage.RunStatusRunning

	if queued == 0 && len(seeds) == 0 {
		o.logger.Warn("Run %d for source %q has no seed URLs to queue.", run.ID, o.source.Name)
	} else {
		o.logger.Info("Run %d for source %q queued %d seed task(s).", run.ID, o.source.Name, queued)
	}
	o.logger.Info("Run %d ready with depth=%d parallel_agents=%d.", run.ID, depth, parallel)

	return &RunSummary{
		Run:            run,
		QueuedSeeds:    queued,
		Resumed:        opts.Resume,
		Depth:          depth,
		ParallelAgents: parallel,
		SeedURLs:       seeds,
	}, nil
}

func (o *Orchestrator) resumeOrStart(ctx context.Context, resume bool, label string) (*storage.Run, error) {
	if resume {
		run, err := o.store.ResumeRun(ctx, o.source.Name)
		if err != nil {
			return nil, err
		}
		if run != nil {
			o.logger.Info("Resuming run %d for source %q.", run.ID, o.source.Name)
			return run, nil
		}
		o.logger.Warn("Resume requested but no resumable run found for source %q. Starting a new run instead.", o.source.Name)
	}
	run, err := o.store.StartRun(ctx, o.source.Name, label)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Started new run %d for source %q.", run.ID, o.source.Name)
	return run, nil
}
