package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages crawl metrics. A disabled collector is a no-op,
// every Record method is safe to call on it.
type MetricsCollector struct {
	meter metric.Meter

	tasksProcessed  metric.Int64Counter
	fetchesTotal    metric.Int64Counter
	retriesTotal    metric.Int64Counter
	assetsRecorded  metric.Int64Counter
	linksDiscovered metric.Int64Counter
	linksFiltered   metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	agentsActive    metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sitesync")

	tasksProcessed, err := meter.Int64Counter(
		"sitesync.tasks.processed.total",
		metric.WithDescription("Total number of crawl tasks processed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_processed counter: %w", err)
	}

	fetchesTotal, err := meter.Int64Counter(
		"sitesync.fetches.total",
		metric.WithDescription("Total number of fetch attempts"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetches counter: %w", err)
	}

	retriesTotal, err := meter.Int64Counter(
		"sitesync.retries.total",
		metric.WithDescription("Total number of fetch retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	assetsRecorded, err := meter.Int64Counter(
		"sitesync.assets.recorded.total",
		metric.WithDescription("Total number of assets recorded"),
		metric.WithUnit("{asset}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create assets_recorded counter: %w", err)
	}

	linksDiscovered, err := meter.Int64Counter(
		"sitesync.links.discovered.total",
		metric.WithDescription("Total number of links queued from page discovery"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create links_discovered counter: %w", err)
	}

	linksFiltered, err := meter.Int64Counter(
		"sitesync.links.filtered.total",
		metric.WithDescription("Total number of links rejected by filter rules"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create links_filtered counter: %w", err)
	}

	fetchDuration, err := meter.Float64Histogram(
		"sitesync.fetch.duration",
		metric.WithDescription("Fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	agentsActive, err := meter.Int64UpDownCounter(
		"sitesync.agents.active",
		metric.WithDescription("Number of active crawl agents"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agents_active gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:           meter,
		tasksProcessed:  tasksProcessed,
		fetchesTotal:    fetchesTotal,
		retriesTotal:    retriesTotal,
		assetsRecorded:  assetsRecorded,
		linksDiscovered: linksDiscovered,
		linksFiltered:   linksFiltered,
		fetchDuration:   fetchDuration,
		agentsActive:    agentsActive,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Nothing to do beyond giving up the endpoint.
			_ = err
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordTaskProcessed records a finished task with its outcome status.
func (m *MetricsCollector) RecordTaskProcessed(ctx context.Context, taskType, status string, duration time.Duration) {
	if m.tasksProcessed == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	}
	m.tasksProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFetch records a single fetch attempt.
func (m *MetricsCollector) RecordFetch(ctx context.Context, taskType string) {
	if m.fetchesTotal == nil {
		return
	}
	m.fetchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

// RecordRetry records a retried fetch.
func (m *MetricsCollector) RecordRetry(ctx context.Context, taskType string) {
	if m.retriesTotal == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
}

// RecordAsset records a stored asset.
func (m *MetricsCollector) RecordAsset(ctx context.Context, assetType string) {
	if m.assetsRecorded == nil {
		return
	}
	m.assetsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("asset_type", assetType)))
}

// RecordDiscovered records links queued from a page.
func (m *MetricsCollector) RecordDiscovered(ctx context.Context, count int) {
	if m.linksDiscovered == nil || count == 0 {
		return
	}
	m.linksDiscovered.Add(ctx, int64(count))
}

// RecordFiltered records links rejected by the URL filter.
func (m *MetricsCollector) RecordFiltered(ctx context.Context, reason string) {
	if m.linksFiltered == nil {
		return
	}
	m.linksFiltered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AgentStarted increments the active agent gauge.
func (m *MetricsCollector) AgentStarted(ctx context.Context) {
	if m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, 1)
}

// AgentStopped decrements the active agent gauge.
func (m *MetricsCollector) AgentStopped(ctx context.Context) {
	if m.agentsActive == nil {
		return
	}
	m.agentsActive.Add(ctx, -1)
}
