package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AeyeOps/sitesync/internal/version"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer driving crawl spans.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the tracer for a crawl process. Disabled tracing
// yields a noop tracer so call sites never branch.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("sitesync"),
		}, nil
	}

	exporter, err := buildTraceExporter(config)
	if err != nil {
		return nil, err
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "sitesync"
	}
	serviceVersion := config.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version.String()
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	sampleRate := config.SampleRate
	if sampleRate <= 0 || sampleRate > 1.0 {
		sampleRate = 1.0
	}
	// Root spans sample at the configured ratio; child spans inherit the
	// parent decision so a run's task spans stay together.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("sitesync"),
	}, nil
}

// buildTraceExporter constructs the configured span exporter with its
// endpoint default applied.
func buildTraceExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err := otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exporter, nil
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err := zipkin.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("create zipkin exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanCrawlRun     = "sitesync.crawl.run"
	SpanTaskExecute  = "sitesync.task.execute"
	SpanFetch        = "sitesync.fetch"
	SpanDiscover     = "sitesync.discover"
	SpanRecordAsset  = "sitesync.store.record_asset"
	SpanAcquireTasks = "sitesync.store.acquire_tasks"
)

// Common attribute keys
const (
	AttrRunID    = "sitesync.run_id"
	AttrSource   = "sitesync.source"
	AttrTaskID   = "sitesync.task_id"
	AttrTaskType = "sitesync.task_type"
	AttrURL      = "sitesync.url"
	AttrDepth    = "sitesync.depth"
	AttrAttempt  = "sitesync.attempt"
	AttrAgentID  = "sitesync.agent_id"
	AttrStatus   = "sitesync.status"
	AttrError    = "sitesync.error"
)

// RunAttrs creates run attributes
func RunAttrs(runID int64, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrRunID, runID),
		attribute.String(AttrSource, source),
	}
}

// TaskAttrs creates task attributes
func TaskAttrs(taskID int64, taskType, url string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrTaskID, taskID),
		attribute.String(AttrTaskType, taskType),
		attribute.String(AttrURL, url),
	}
}

// StatusAttrs creates status attributes
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
