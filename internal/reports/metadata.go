// Package reports renders run artifacts: a JSON metadata snapshot per run
// and a Markdown status report summarizing recent runs. Both live under the
// configured metadata output directory so they travel with the crawl data.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/AeyeOps/sitesync/internal/config"
	"github.com/AeyeOps/sitesync/internal/storage"
	"github.com/AeyeOps/sitesync/internal/version"
)

// RunMetadata is the shape of the run-<id>.json artifact.
type RunMetadata struct {
	Timestamp   string      `json:"timestamp"`
	Run         RunInfo     `json:"run"`
	Source      SourceInfo  `json:"source"`
	Config      ConfigInfo  `json:"config"`
	Stats       Stats       `json:"stats"`
	Environment Environment `json:"environment"`
}

// RunInfo combines the stored run record with the orchestration summary.
type RunInfo struct {
	ID             int64    `json:"id"`
	Source         string   `json:"source"`
	Status         string   `json:"status"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    string   `json:"completed_at"`
	Label          string   `json:"label"`
	Resumed        bool     `json:"resumed"`
	QueuedSeeds    int      `json:"queued_seeds"`
	SeedURLs       []string `json:"seed_urls"`
	Depth          int      `json:"depth"`
	ParallelAgents int      `json:"parallel_agents"`
}

// SourceInfo captures the source profile the run crawled.
type SourceInfo struct {
	Name           string                 `json:"name"`
	Fetcher        string                 `json:"fetcher"`
	FetcherOptions map[string]any         `json:"fetcher_options"`
	AllowedDomains map[string]DomainRules `json:"allowed_domains"`
}

// DomainRules mirrors the per-domain path filter configuration.
type DomainRules struct {
	AllowPaths []string `json:"allow_paths"`
	DenyPaths  []string `json:"deny_paths"`
}

// ConfigInfo records the crawler settings and output paths in effect.
type ConfigInfo struct {
	Crawler CrawlerInfo `json:"crawler"`
	Outputs OutputsInfo `json:"outputs"`
}

// CrawlerInfo is the crawler configuration snapshot.
type CrawlerInfo struct {
	ParallelAgents      int      `json:"parallel_agents"`
	PagesPerAgent       int      `json:"pages_per_agent"`
	JitterSeconds       float64  `json:"jitter_seconds"`
	HeartbeatSeconds    float64  `json:"heartbeat_seconds"`
	MaxRetries          int      `json:"max_retries"`
	BackoffMinSeconds   float64  `json:"backoff_min_seconds"`
	BackoffMaxSeconds   float64  `json:"backoff_max_seconds"`
	BackoffMultiplier   float64  `json:"backoff_multiplier"`
	FetchTimeoutSeconds *float64 `json:"fetch_timeout_seconds"`
}

// OutputsInfo lists the resolved output directories.
type OutputsInfo struct {
	BasePath      string `json:"base_path"`
	RawDir        string `json:"raw_dir"`
	NormalizedDir string `json:"normalized_dir"`
	MetadataDir   string `json:"metadata_dir"`
	MediaDir      string `json:"media_dir"`
}

// Stats carries queue counters at write time.
type Stats struct {
	Tasks          map[string]int `json:"tasks"`
	ExceptionsOpen int            `json:"exceptions_open"`
}

// Environment identifies the build that produced the artifact.
type Environment struct {
	SitesyncVersion string `json:"sitesync_version"`
	GoVersion       string `json:"go_version"`
}

// RunMetadataInput bundles everything WriteRunMetadata serializes. Run should
// be re-read from the store after the final status update so the artifact
// reflects the terminal state, not the snapshot the summary was built from.
type RunMetadataInput struct {
	Run            *storage.Run
	Resumed        bool
	QueuedSeeds    int
	SeedURLs       []string
	Depth          int
	ParallelAgents int
	Source         *config.SourceSettings
	Config         *config.Config
	Dirs           config.OutputDirs
}

// WriteRunMetadata writes run-<id>.json into the metadata directory and
// returns the path written. Task counts and the open-exception count are
// read from the store at call time.
func WriteRunMetadata(ctx context.Context, store *storage.Store, in RunMetadataInput) (string, error) {
	if in.Run == nil {
		return "", fmt.Errorf("run metadata requires a run record")
	}
	counts, err := store.GetTaskStatusCounts(ctx, in.Run.ID)
	if err != nil {
		return "", fmt.Errorf("task status counts for run %d: %w", in.Run.ID, err)
	}
	exceptionsOpen, err := store.CountOpenExceptions(ctx, in.Run.ID)
	if err != nil {
		return "", fmt.Errorf("open exception count for run %d: %w", in.Run.ID, err)
	}

	seedURLs := in.SeedURLs
	if seedURLs == nil {
		seedURLs = []string{}
	}
	fetcherOptions := in.Source.FetcherOptions
	if fetcherOptions == nil {
		fetcherOptions = map[string]any{}
	}
	allowedDomains := make(map[string]DomainRules, len(in.Source.AllowedDomains))
	for domain, rules := range in.Source.AllowedDomains {
		allowedDomains[domain] = DomainRules{
			AllowPaths: emptyIfNil(rules.AllowPaths),
			DenyPaths:  emptyIfNil(rules.DenyPaths),
		}
	}

	meta := RunMetadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Run: RunInfo{
			ID:             in.Run.ID,
			Source:         in.Run.Source,
			Status:         in.Run.Status,
			StartedAt:      in.Run.StartedAt,
			CompletedAt:    in.Run.CompletedAt,
			Label:          in.Run.Label,
			Resumed:        in.Resumed,
			QueuedSeeds:    in.QueuedSeeds,
			SeedURLs:       seedURLs,
			Depth:          in.Depth,
			ParallelAgents: in.ParallelAgents,
		},
		Source: SourceInfo{
			Name:           in.Source.Name,
			Fetcher:        in.Source.Fetcher,
			FetcherOptions: fetcherOptions,
			AllowedDomains: allowedDomains,
		},
		Config: ConfigInfo{
			Crawler: CrawlerInfo{
				ParallelAgents:      in.Config.Crawler.ParallelAgents,
				PagesPerAgent:       in.Config.Crawler.PagesPerAgent,
				JitterSeconds:       in.Config.Crawler.JitterSeconds,
				HeartbeatSeconds:    in.Config.Crawler.HeartbeatSeconds,
				MaxRetries:          in.Config.Crawler.MaxRetries,
				BackoffMinSeconds:   in.Config.Crawler.BackoffMinSeconds,
				BackoffMaxSeconds:   in.Config.Crawler.BackoffMaxSeconds,
				BackoffMultiplier:   in.Config.Crawler.BackoffMultiplier,
				FetchTimeoutSeconds: in.Config.Crawler.FetchTimeoutSeconds,
			},
			Outputs: OutputsInfo{
				BasePath:      in.Dirs.Base,
				RawDir:        in.Dirs.Raw,
				NormalizedDir: in.Dirs.Normalized,
				MetadataDir:   in.Dirs.Metadata,
				MediaDir:      in.Dirs.Media,
			},
		},
		Stats: Stats{
			Tasks:          counts,
			ExceptionsOpen: exceptionsOpen,
		},
		Environment: Environment{
			SitesyncVersion: version.String(),
			GoVersion:       runtime.Version(),
		},
	}

	if err := os.MkdirAll(in.Dirs.Metadata, 0o755); err != nil {
		return "", fmt.Errorf("create metadata dir: %w", err)
	}
	path := MetadataPath(in.Dirs.Metadata, in.Run.ID)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write run metadata: %w", err)
	}
	return path, nil
}

// LoadRunMetadata reads a run's metadata artifact. Missing or unparseable
// files return nil so callers can degrade to store-only views.
func LoadRunMetadata(metadataDir string, runID int64) *RunMetadata {
	data, err := os.ReadFile(MetadataPath(metadataDir, runID))
	if err != nil {
		return nil
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// MetadataPath returns the artifact path for a run inside metadataDir.
func MetadataPath(metadataDir string, runID int64) string {
	return filepath.Join(metadataDir, fmt.Sprintf("run-%d.json", runID))
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
