package config

import (
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AeyeOps/sitesync/internal/observability"
)

// LoggingSettings controls the shared file logger.
type LoggingSettings struct {
	// Path points at a log file or a directory; directories get
	// sitesync.log appended. Empty falls back to ./sitesync.log.
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
	// Console mirrors every log line to stderr in addition to the file.
	Console bool `yaml:"console"`
}

// CrawlerSettings holds global crawl defaults. Sources may override the
// agent counts and jitter per profile.
type CrawlerSettings struct {
	ParallelAgents    int     `yaml:"parallel_agents"`
	PagesPerAgent     int     `yaml:"pages_per_agent"`
	JitterSeconds     float64 `yaml:"jitter_seconds"`
	HeartbeatSeconds  float64 `yaml:"heartbeat_seconds"`
	MaxRetries        int     `yaml:"max_retries"`
	BackoffMinSeconds float64 `yaml:"backoff_min_seconds"`
	BackoffMaxSeconds float64 `yaml:"backoff_max_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// FetchTimeoutSeconds bounds a single fetch attempt. Nil leaves
	// attempts unbounded.
	FetchTimeoutSeconds *float64 `yaml:"fetch_timeout_seconds"`
}

// DomainFilter carries the path rules for one allowed domain. Patterns are
// exact paths unless they contain glob metacharacters or a /** suffix.
type DomainFilter struct {
	AllowPaths []string `yaml:"allow_paths"`
	DenyPaths  []string `yaml:"deny_paths"`
}

// SourceSettings is one crawl profile: where to start, what to admit, and
// which fetcher/plugins process the results.
type SourceSettings struct {
	Name           string                  `yaml:"name"`
	StartURLs      []string                `yaml:"start_urls"`
	AllowedDomains map[string]DomainFilter `yaml:"allowed_domains"`
	Depth          int                     `yaml:"depth"`
	Plugins        []string                `yaml:"plugins"`
	ParallelAgents *int                    `yaml:"parallel_agents"`
	PagesPerAgent  *int                    `yaml:"pages_per_agent"`
	JitterSeconds  *float64                `yaml:"jitter_seconds"`
	MaxPages       *int                    `yaml:"max_pages"`
	Fetcher        string                  `yaml:"fetcher"`
	FetcherOptions map[string]any          `yaml:"fetcher_options"`
}

// UnmarshalYAML seeds per-source defaults before decoding so an omitted
// depth stays 1 while an explicit zero survives.
func (s *SourceSettings) UnmarshalYAML(value *yaml.Node) error {
	type plain SourceSettings
	out := plain{Depth: 1, Fetcher: "http"}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*s = SourceSettings(out)
	return nil
}

// StorageSettings locates the SQLite database file.
type StorageSettings struct {
	Path string `yaml:"path"`
}

// OutputSettings maps the on-disk layout for crawl artifacts.
type OutputSettings struct {
	BasePath         string `yaml:"base_path"`
	RawSubdir        string `yaml:"raw_subdir"`
	NormalizedSubdir string `yaml:"normalized_subdir"`
	MetadataSubdir   string `yaml:"metadata_subdir"`
	MediaSubdir      string `yaml:"media_subdir"`
}

// OutputDirs are the resolved artifact directories for a run.
type OutputDirs struct {
	Base       string
	Raw        string
	Normalized string
	Metadata   string
	Media      string
}

// Dirs resolves the configured subdirectories against the base path.
func (o OutputSettings) Dirs() OutputDirs {
	return OutputDirs{
		Base:       o.BasePath,
		Raw:        filepath.Join(o.BasePath, o.RawSubdir),
		Normalized: filepath.Join(o.BasePath, o.NormalizedSubdir),
		Metadata:   filepath.Join(o.BasePath, o.MetadataSubdir),
		Media:      filepath.Join(o.BasePath, o.MediaSubdir),
	}
}

// Config is the merged, validated configuration document.
type Config struct {
	Version       int                  `yaml:"version"`
	DefaultSource string               `yaml:"default_source"`
	Logging       LoggingSettings      `yaml:"logging"`
	Crawler       CrawlerSettings      `yaml:"crawler"`
	Storage       StorageSettings      `yaml:"storage"`
	Outputs       OutputSettings       `yaml:"outputs"`
	Observability observability.Config `yaml:"observability"`
	Sources       []SourceSettings     `yaml:"sources"`

	// LoadedFrom records the files that contributed, in merge order.
	LoadedFrom []string `yaml:"-"`
}

// Source returns the profile with the given name, or the default source
// when name is empty.
func (c *Config) Source(name string) (*SourceSettings, error) {
	target := name
	if target == "" {
		target = c.DefaultSource
	}
	for i := range c.Sources {
		if c.Sources[i].Name == target {
			return &c.Sources[i], nil
		}
	}
	return nil, &UnknownSourceError{Name: target}
}

// UnknownSourceError reports a source profile lookup miss.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return "source profile '" + e.Name + "' is not defined"
}
