// Package config loads and merges the layered YAML configuration:
// config/default.yaml overlaid by config/local.yaml, or a single explicit
// document when the caller names one. A built-in default is embedded so the
// binary works from an empty directory.
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/observability"
)

//go:embed default.yaml
var embeddedDefault []byte

// Default locations resolved against the working directory.
const (
	DefaultConfigPath = "config/default.yaml"
	LocalConfigPath   = "config/local.yaml"
)

// Load reads configuration from the default/local pair, or from path alone
// when it is non-empty. The merged document is validated and normalized
// before it is returned.
func Load(path string) (*Config, error) {
	merged := map[string]any{}
	var loadedFrom []string

	if path != "" {
		doc, err := readYAMLFile(path)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, doc)
		loadedFrom = append(loadedFrom, path)
	} else {
		if doc, err := readYAMLFileIfExists(DefaultConfigPath); err != nil {
			return nil, err
		} else if doc != nil {
			merged = mergeMaps(merged, doc)
			loadedFrom = append(loadedFrom, DefaultConfigPath)
		} else {
			doc, err := parseYAML(embeddedDefault, "embedded default")
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, doc)
			loadedFrom = append(loadedFrom, "embedded:default.yaml")
		}

		if doc, err := readYAMLFileIfExists(LocalConfigPath); err != nil {
			return nil, err
		} else if doc != nil {
			merged = mergeMaps(merged, doc)
			loadedFrom = append(loadedFrom, LocalConfigPath)
		}
	}

	cfg := defaults()
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	cfg.LoadedFrom = loadedFrom

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// defaults mirrors the embedded document so explicit files may omit whole
// sections without losing the baseline values.
func defaults() Config {
	return Config{
		Version:       1,
		DefaultSource: "default",
		Logging:       LoggingSettings{Level: "info"},
		Crawler: CrawlerSettings{
			ParallelAgents:    2,
			PagesPerAgent:     2,
			JitterSeconds:     1.0,
			HeartbeatSeconds:  30.0,
			MaxRetries:        3,
			BackoffMinSeconds: 1.0,
			BackoffMaxSeconds: 60.0,
			BackoffMultiplier: 2.0,
		},
		Storage: StorageSettings{Path: filepath.Join("data", "sitesync.sqlite")},
		Outputs: OutputSettings{
			BasePath:         "data",
			RawSubdir:        "raw",
			NormalizedSubdir: "normalized",
			MetadataSubdir:   "runs",
			MediaSubdir:      "media",
		},
		Observability: observability.DefaultConfig(),
	}
}

func normalize(cfg *Config) {
	cfg.DefaultSource = strings.TrimSpace(cfg.DefaultSource)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join("data", "sitesync.sqlite")
	}
	if cfg.Outputs.BasePath == "" {
		cfg.Outputs.BasePath = "data"
	}
	if cfg.Outputs.RawSubdir == "" {
		cfg.Outputs.RawSubdir = "raw"
	}
	if cfg.Outputs.NormalizedSubdir == "" {
		cfg.Outputs.NormalizedSubdir = "normalized"
	}
	if cfg.Outputs.MetadataSubdir == "" {
		cfg.Outputs.MetadataSubdir = "runs"
	}
	if cfg.Outputs.MediaSubdir == "" {
		cfg.Outputs.MediaSubdir = "media"
	}

	for i := range cfg.Sources {
		source := &cfg.Sources[i]
		source.Name = strings.TrimSpace(source.Name)
		if source.Fetcher == "" {
			source.Fetcher = "http"
		}
		if source.AllowedDomains == nil {
			continue
		}
		domains := make(map[string]DomainFilter, len(source.AllowedDomains))
		for key, filter := range source.AllowedDomains {
			domain := strings.ToLower(strings.TrimSpace(key))
			if domain == "" {
				continue
			}
			filter.AllowPaths = normalizePathRules(filter.AllowPaths)
			filter.DenyPaths = normalizePathRules(filter.DenyPaths)
			domains[domain] = filter
		}
		source.AllowedDomains = domains
	}
}

// normalizePathRules reduces each rule to a leading-slash path pattern: full
// URLs keep only their path, and a trailing slash is trimmed unless the rule
// carries glob metacharacters.
func normalizePathRules(rules []string) []string {
	if len(rules) == 0 {
		return nil
	}
	cleaned := make([]string, 0, len(rules))
	for _, rule := range rules {
		path := strings.TrimSpace(rule)
		if path == "" {
			continue
		}
		if strings.Contains(path, "://") {
			if parsed, err := url.Parse(path); err == nil {
				path = parsed.Path
				if path == "" {
					path = "/"
				}
			}
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if path != "/" && !strings.ContainsAny(path, "*?[") && strings.HasSuffix(path, "/") {
			path = strings.TrimRight(path, "/")
			if path == "" {
				path = "/"
			}
		}
		cleaned = append(cleaned, path)
	}
	return cleaned
}

func validate(cfg *Config) error {
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	if cfg.Crawler.ParallelAgents < 1 {
		return fmt.Errorf("crawler.parallel_agents must be >= 1, got %d", cfg.Crawler.ParallelAgents)
	}
	if cfg.Crawler.PagesPerAgent < 1 {
		return fmt.Errorf("crawler.pages_per_agent must be >= 1, got %d", cfg.Crawler.PagesPerAgent)
	}
	if cfg.Crawler.JitterSeconds < 0 {
		return fmt.Errorf("crawler.jitter_seconds must be >= 0, got %v", cfg.Crawler.JitterSeconds)
	}
	if cfg.Crawler.HeartbeatSeconds < 1 {
		return fmt.Errorf("crawler.heartbeat_seconds must be >= 1, got %v", cfg.Crawler.HeartbeatSeconds)
	}
	if cfg.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0, got %d", cfg.Crawler.MaxRetries)
	}
	if cfg.Crawler.BackoffMinSeconds < 0 {
		return fmt.Errorf("crawler.backoff_min_seconds must be >= 0, got %v", cfg.Crawler.BackoffMinSeconds)
	}
	if cfg.Crawler.BackoffMaxSeconds < 0 {
		return fmt.Errorf("crawler.backoff_max_seconds must be >= 0, got %v", cfg.Crawler.BackoffMaxSeconds)
	}
	if cfg.Crawler.BackoffMultiplier < 1 {
		return fmt.Errorf("crawler.backoff_multiplier must be >= 1, got %v", cfg.Crawler.BackoffMultiplier)
	}
	if cfg.Crawler.FetchTimeoutSeconds != nil && *cfg.Crawler.FetchTimeoutSeconds < 0.1 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be >= 0.1, got %v", *cfg.Crawler.FetchTimeoutSeconds)
	}
	if cfg.Observability.Tracing.Enabled {
		switch cfg.Observability.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			return fmt.Errorf("observability.tracing.exporter must be otlp or zipkin, got %q", cfg.Observability.Tracing.Exporter)
		}
	}
	if cfg.Observability.Metrics.Enabled {
		port := cfg.Observability.Metrics.PrometheusPort
		if port < 1 || port > 65535 {
			return fmt.Errorf("observability.metrics.prometheus_port must be 1-65535, got %d", port)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Sources))
	for i := range cfg.Sources {
		source := &cfg.Sources[i]
		if source.Name == "" {
			return fmt.Errorf("sources[%d]: name must not be empty", i)
		}
		if _, dup := seen[source.Name]; dup {
			return fmt.Errorf("source names must be unique, %q appears twice", source.Name)
		}
		seen[source.Name] = struct{}{}
		if source.Depth < 0 {
			return fmt.Errorf("source %q: depth must be >= 0, got %d", source.Name, source.Depth)
		}
		if source.ParallelAgents != nil && *source.ParallelAgents < 1 {
			return fmt.Errorf("source %q: parallel_agents must be >= 1, got %d", source.Name, *source.ParallelAgents)
		}
		if source.PagesPerAgent != nil && *source.PagesPerAgent < 1 {
			return fmt.Errorf("source %q: pages_per_agent must be >= 1, got %d", source.Name, *source.PagesPerAgent)
		}
		if source.JitterSeconds != nil && *source.JitterSeconds < 0 {
			return fmt.Errorf("source %q: jitter_seconds must be >= 0, got %v", source.Name, *source.JitterSeconds)
		}
		if source.MaxPages != nil && *source.MaxPages < 1 {
			return fmt.Errorf("source %q: max_pages must be >= 1, got %d", source.Name, *source.MaxPages)
		}
	}
	if len(cfg.Sources) > 0 {
		if _, ok := seen[cfg.DefaultSource]; !ok {
			return fmt.Errorf("default source %q is not defined in sources section", cfg.DefaultSource)
		}
	}
	return nil
}

func readYAMLFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseYAML(content, path)
}

// readYAMLFileIfExists returns (nil, nil) when path does not exist.
func readYAMLFileIfExists(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseYAML(content, path)
}

func parseYAML(content []byte, origin string) (map[string]any, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", origin, err)
	}
	if doc == nil {
		// A file of comments decodes to nil; treat it as an empty layer.
		doc = map[string]any{}
	}
	return doc, nil
}
