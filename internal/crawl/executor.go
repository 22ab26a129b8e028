package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AeyeOps/sitesync/internal/config"
	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/fetch"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/observability"
	"github.com/AeyeOps/sitesync/internal/storage"
)

const (
	// backpressureDelay paces the dispatcher while the channel is full.
	backpressureDelay = 250 * time.Millisecond
	// idleDelay paces the dispatcher while leased tasks are still in flight.
	idleDelay = time.Second
)

// Reasons recorded on tasks the dispatcher rejects.
const (
	reasonInvalidURL  = "filtered invalid url"
	reasonDomainRules = "filtered by domain rules"
	reasonPathRules   = "filtered by path rules"
)

// SuccessHook runs after a task completes, before auth-redirect detection
// and link discovery. A non-nil error sends the task down the failure path.
type SuccessHook func(ctx context.Context, task *storage.Task, result *fetch.Result) error

// FailureHook observes a task that settled in failure.
type FailureHook func(ctx context.Context, task *storage.Task, err error)

// ExecutorOptions wires an Executor. Config, Source, Store, and Fetcher are
// required; everything else defaults to a no-op.
type ExecutorOptions struct {
	Config  *config.Config
	Source  *config.SourceSettings
	Store   *storage.Store
	Fetcher fetch.Fetcher
	// MediaFetcher handles media-typed tasks when set; otherwise Fetcher
	// takes them too.
	MediaFetcher fetch.Fetcher
	Logger       logging.Logger
	Metrics      *observability.MetricsCollector
	Tracer       *observability.TracerProvider
	OnSuccess    SuccessHook
	OnFailure    FailureHook
}

// Executor coordinates one dispatcher and a pool of crawl workers over the
// durable task queue.
type Executor struct {
	cfg          *config.Config
	source       *config.SourceSettings
	store        *storage.Store
	fetcher      fetch.Fetcher
	mediaFetcher fetch.Fetcher
	filter       *Filter
	discoverer   *Discoverer
	logger       logging.Logger
	metrics      *observability.MetricsCollector
	tracer       *observability.TracerProvider
	onSuccess    SuccessHook
	onFailure    FailureHook
}

// NewExecutor validates the wiring and builds the run's filter and
// discoverer.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("executor requires a config")
	case opts.Source == nil:
		return nil, fmt.Errorf("executor requires a source profile")
	case opts.Store == nil:
		return nil, fmt.Errorf("executor requires a store")
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("executor requires a fetcher")
	}
	logger := logging.OrNop(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	filter := NewFilter(opts.Source.AllowedDomains)
	return &Executor{
		cfg:          opts.Config,
		source:       opts.Source,
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		mediaFetcher: opts.MediaFetcher,
		filter:       filter,
		discoverer:   NewDiscoverer(opts.Store, filter, logger, metrics),
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		onSuccess:    opts.OnSuccess,
		onFailure:    opts.OnFailure,
	}, nil
}

// RuntimeDenies snapshots the deny rules learned during the run, so the
// caller can surface them as a configuration suggestion.
func (e *Executor) RuntimeDenies() map[string][]string {
	return e.filter.RuntimeDenies()
}

// Run drives the dispatcher and worker pool until the queue drains. On
// context cancellation it returns queued and in-flight tasks to pending and
// reports ctx.Err(); marking the run stopped is the caller's decision.
func (e *Executor) Run(ctx context.Context, runID int64, parallelAgents int) error {
	if parallelAgents < 1 {
		parallelAgents = 1
	}
	runCtx, span := e.tracer.StartSpan(ctx, observability.SpanCrawlRun,
		observability.RunAttrs(runID, e.source.Name)...)
	defer span.End()

	counts, err := e.store.GetTaskStatusCounts(runCtx, runID)
	if err != nil {
		return err
	}
	e.logger.Info("Bootstrapping run %d: pending=%d in_progress=%d finished=%d errors=%d",
		runID, counts[storage.TaskStatusPending], counts[storage.TaskStatusInProgress],
		counts[storage.TaskStatusFinished], counts[storage.TaskStatusError])
	if len(e.source.AllowedDomains) == 0 {
		e.logger.Debug("No domain filters configured.")
	} else {
		for domain, rules := range e.source.AllowedDomains {
			e.logger.Debug("Domain filter %s allow=%v deny=%v", domain, rules.AllowPaths, rules.DenyPaths)
		}
	}

	capacity := e.pagesPerAgent() * parallelAgents * 2
	if capacity < 1 {
		capacity = 1
	}
	tasks := make(chan *storage.Task, capacity)

	g, groupCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return e.dispatch(groupCtx, runID, tasks, parallelAgents, capacity)
	})
	for i := 0; i < parallelAgents; i++ {
		name := fmt.Sprintf("agent-%02d", i+1)
		g.Go(func() error {
			return e.work(groupCtx, name, tasks)
		})
	}
	err = g.Wait()

	if stopErr := ctx.Err(); stopErr != nil {
		e.handleStop(context.WithoutCancel(ctx), runID, tasks)
		span.SetAttributes(observability.StatusAttrs(storage.RunStatusStopped)...)
		return stopErr
	}
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}
	span.SetAttributes(observability.StatusAttrs(storage.RunStatusCompleted)...)
	return nil
}

// dispatch leases batches from the queue and forwards admissible tasks to
// the workers. It terminates exactly once per run: every worker receives a
// nil sentinel, on the stop path too.
func (e *Executor) dispatch(ctx context.Context, runID int64, tasks chan<- *storage.Task, workerCount, capacity int) error {
	leaseOwner := fmt.Sprintf("sitesync-%d", time.Now().UnixNano())
	suffixes := e.filter.Suffixes("")
	sentinelsSent := false
	defer func() {
		if !sentinelsSent {
			e.emitSentinels(tasks, workerCount)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(tasks) >= capacity {
			if err := sleepCtx(ctx, backpressureDelay); err != nil {
				return err
			}
			continue
		}

		batch, err := e.store.AcquireTasks(ctx, runID, storage.AcquireOptions{
			Limit:         e.pagesPerAgent(),
			LeaseOwner:    leaseOwner,
			LeaseDuration: e.leaseDuration(),
			MaxRetries:    e.cfg.Crawler.MaxRetries,
			Backoff:       e.backoffMin(),
		})
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			active, err := e.store.CountActiveTasks(ctx, runID)
			if err != nil {
				return err
			}
			if active == 0 {
				e.logger.Info("No pending tasks and no active leases; stopping dispatcher.")
				for i := 0; i < workerCount; i++ {
					select {
					case tasks <- nil:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				sentinelsSent = true
				return nil
			}
			e.logger.Debug("No tasks acquired; active leases=%d queued=%d", active, len(tasks))
			if err := sleepCtx(ctx, idleDelay); err != nil {
				return err
			}
			continue
		}

		queued, invalid, byDomain, byPath := 0, 0, 0, 0
		for i := range batch {
			task := &batch[i]
			reason := e.admit(task, suffixes)
			if reason != "" {
				if err := e.store.MarkTaskError(ctx, task.ID, reason); err != nil {
					return err
				}
				switch reason {
				case reasonInvalidURL:
					invalid++
					e.metrics.RecordFiltered(ctx, "invalid")
				case reasonDomainRules:
					byDomain++
					e.metrics.RecordFiltered(ctx, "domain")
				default:
					byPath++
					e.metrics.RecordFiltered(ctx, "path")
				}
				continue
			}
			select {
			case tasks <- task:
				queued++
			case <-ctx.Done():
				// Unsent claims go back to pending in the stop sweep.
				return ctx.Err()
			}
		}
		if invalid+byDomain+byPath > 0 {
			e.logger.Debug("Filtered tasks invalid=%d domain=%d path=%d (queued=%d)",
				invalid, byDomain, byPath, queued)
		}
	}
}

// admit validates a leased task before dispatch, returning the reason
// recorded for rejected tasks or "" to admit. Media tasks skip the domain
// and path rules: CDNs routinely live on hosts the source never names.
func (e *Executor) admit(task *storage.Task, suffixes Suffixes) string {
	parsed, err := url.Parse(task.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return reasonInvalidURL
	}
	if task.TaskType == storage.TaskTypeMedia {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	if !suffixes.Admits(host) {
		return reasonDomainRules
	}
	if !e.filter.PathAllowed(host, parsed.Path) {
		return reasonPathRules
	}
	return ""
}

// emitSentinels wakes workers with nil tasks, best effort: once the channel
// is full the remaining workers exit through cancellation instead.
func (e *Executor) emitSentinels(tasks chan<- *storage.Task, workerCount int) {
	for i := 0; i < workerCount; i++ {
		select {
		case tasks <- nil:
		default:
			return
		}
	}
}

// work consumes tasks until it receives a sentinel or the run is cancelled.
func (e *Executor) work(ctx context.Context, name string, tasks <-chan *storage.Task) error {
	e.metrics.AgentStarted(ctx)
	defer e.metrics.AgentStopped(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-tasks:
			if task == nil {
				return nil
			}
			if ctx.Err() != nil {
				e.logger.Debug("%s stopping; returning task %d", name, task.ID)
				e.release(ctx, task)
				return ctx.Err()
			}
			if err := e.process(ctx, name, task); err != nil {
				return err
			}
		}
	}
}

// process drives one task through fetch, settlement, and discovery. Fetch
// and pipeline failures settle through the task state machine; only
// cancellation and failed settlement writes bubble up.
func (e *Executor) process(ctx context.Context, name string, task *storage.Task) error {
	e.logger.Debug("%s picked task %d", name, task.ID)
	taskCtx, span := e.tracer.StartSpan(ctx, observability.SpanTaskExecute,
		observability.TaskAttrs(task.ID, task.TaskType, task.URL)...)
	defer span.End()

	started := time.Now()
	result, err := e.fetchTask(taskCtx, task)
	if ctx.Err() != nil {
		e.logger.Debug("%s cancelled; returning task %d", name, task.ID)
		e.release(ctx, task)
		return ctx.Err()
	}
	if err == nil && result == nil {
		err = sitesyncerrors.Permanentf("fetcher returned no result for %s", task.URL)
	}

	switch {
	case err == nil:
		if completeErr := e.store.CompleteTask(ctx, task.ID); completeErr != nil {
			return completeErr
		}
		e.metrics.RecordTaskProcessed(ctx, taskType(task), "finished", time.Since(started))
		span.SetAttributes(observability.StatusAttrs(storage.TaskStatusFinished)...)
		if hookErr := e.afterSuccess(taskCtx, task, result); hookErr != nil {
			// A failed pipeline stage sends the finished task back
			// through the queue like any unclassified failure.
			e.logger.Error("%s post-fetch pipeline failed for task %d: %v", name, task.ID, hookErr)
			return e.settleFailure(ctx, task, hookErr)
		}
		e.logger.Debug("%s completed task %d", name, task.ID)
		return nil

	case sitesyncerrors.IsExhausted(err):
		e.logger.Warn("%s exhausted retries for task %d: %v", name, task.ID, err)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		if markErr := e.store.MarkTaskError(ctx, task.ID, err.Error()); markErr != nil {
			return markErr
		}
		e.metrics.RecordTaskProcessed(ctx, taskType(task), "exhausted", time.Since(started))
		if e.onFailure != nil {
			e.onFailure(ctx, task, err)
		}
		return nil

	default:
		e.logger.Error("%s failed task %d: %v", name, task.ID, err)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		e.metrics.RecordTaskProcessed(ctx, taskType(task), "failed", time.Since(started))
		return e.settleFailure(ctx, task, err)
	}
}

// settleFailure applies the queue-level retry: the task returns to pending
// with one backoff quantum, or lands in error once its attempts are spent.
func (e *Executor) settleFailure(ctx context.Context, task *storage.Task, cause error) error {
	if err := e.store.FailTask(ctx, task.ID, cause.Error(), e.backoffMin(), e.cfg.Crawler.MaxRetries); err != nil {
		return err
	}
	if e.onFailure != nil {
		e.onFailure(ctx, task, cause)
	}
	return nil
}

// afterSuccess runs the post-completion pipeline: the success hook persists
// assets, then auth-redirect detection decides whether discovery may feed
// the queue from this payload.
func (e *Executor) afterSuccess(ctx context.Context, task *storage.Task, result *fetch.Result) error {
	if e.onSuccess != nil {
		if err := e.onSuccess(ctx, task, result); err != nil {
			return err
		}
	}
	for i := 0; i < result.AssetsCreated; i++ {
		e.metrics.RecordAsset(ctx, assetType(result))
	}
	if e.discoverer.HandleAuthRedirect(task.URL, result) {
		return nil
	}
	discoverCtx, span := e.tracer.StartSpan(ctx, observability.SpanDiscover,
		observability.TaskAttrs(task.ID, task.TaskType, task.URL)...)
	defer span.End()
	_, err := e.discoverer.Discover(discoverCtx, task, result)
	return err
}

// fetchTask runs the fetch under the retry policy, dispatching media tasks
// to the media fetcher when one is configured. Attempt timeouts surface as
// transient errors so the policy retries them.
func (e *Executor) fetchTask(ctx context.Context, task *storage.Task) (*fetch.Result, error) {
	fetcher := e.fetcher
	if task.TaskType == storage.TaskTypeMedia && e.mediaFetcher != nil {
		fetcher = e.mediaFetcher
	}
	kind := taskType(task)
	timeout := e.fetchTimeout()
	attempt := 0
	return sitesyncerrors.RetryWithResult(ctx, e.retryConfig(), e.logger, func(ctx context.Context) (*fetch.Result, error) {
		attempt++
		e.metrics.RecordFetch(ctx, kind)
		if attempt > 1 {
			e.metrics.RecordRetry(ctx, kind)
		}
		if timeout <= 0 {
			return fetcher.Fetch(ctx, task)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result, err := fetcher.Fetch(attemptCtx, task)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, sitesyncerrors.Transientf("timeout fetching %s", task.URL)
		}
		return result, err
	})
}

// release returns a task to pending on shutdown. The write must outlive the
// cancelled run context.
func (e *Executor) release(ctx context.Context, task *storage.Task) {
	if err := e.store.ReleaseTask(context.WithoutCancel(ctx), task.ID, "stopped"); err != nil {
		e.logger.Warn("Release task %d: %v", task.ID, err)
	}
}

// handleStop runs after the pool exits on cancellation: queued tasks go
// back to pending one by one, then a sweep releases anything still leased.
func (e *Executor) handleStop(ctx context.Context, runID int64, tasks chan *storage.Task) {
	e.logger.Info("Stop signal received; releasing queued tasks.")
	drained := 0
drain:
	for {
		select {
		case task := <-tasks:
			if task == nil {
				continue
			}
			if err := e.store.ReleaseTask(ctx, task.ID, "stopped"); err != nil {
				e.logger.Warn("Release task %d: %v", task.ID, err)
				continue
			}
			drained++
		default:
			break drain
		}
	}
	released, err := e.store.ReleaseInProgressTasks(ctx, runID, "stopped")
	if err != nil {
		e.logger.Warn("Release in-progress tasks: %v", err)
	}
	e.logger.Info("Stop handled; returned %d queued and %d in-progress task(s) to pending.",
		drained, released)
}

func (e *Executor) pagesPerAgent() int {
	if e.source.PagesPerAgent != nil && *e.source.PagesPerAgent > 0 {
		return *e.source.PagesPerAgent
	}
	if e.cfg.Crawler.PagesPerAgent > 0 {
		return e.cfg.Crawler.PagesPerAgent
	}
	return 1
}

func (e *Executor) leaseDuration() time.Duration {
	return secondsToDuration(e.cfg.Crawler.HeartbeatSeconds)
}

func (e *Executor) backoffMin() time.Duration {
	return secondsToDuration(e.cfg.Crawler.BackoffMinSeconds)
}

func (e *Executor) fetchTimeout() time.Duration {
	if e.cfg.Crawler.FetchTimeoutSeconds == nil {
		return 0
	}
	return secondsToDuration(*e.cfg.Crawler.FetchTimeoutSeconds)
}

func (e *Executor) retryConfig() sitesyncerrors.RetryConfig {
	return sitesyncerrors.RetryConfig{
		MaxAttempts:  e.cfg.Crawler.MaxRetries,
		BaseDelay:    e.backoffMin(),
		MaxDelay:     secondsToDuration(e.cfg.Crawler.BackoffMaxSeconds),
		Multiplier:   e.cfg.Crawler.BackoffMultiplier,
		JitterFactor: 0.25,
	}
}

func taskType(task *storage.Task) string {
	if task.TaskType != "" {
		return task.TaskType
	}
	return storage.TaskTypePage
}

func assetType(result *fetch.Result) string {
	if result.AssetType != "" {
		return result.AssetType
	}
	return fetch.AssetTypePage
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
