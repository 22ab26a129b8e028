package observability

// Config groups the optional telemetry surfaces. Both are off by default,
// a crawl works the same with or without them.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "sitesync",
			ServiceVersion: "",
		},
	}
}
