package storage

import "time"

// Run is one crawl run for a source.
type Run struct {
	ID          int64
	Source      string
	Status      string
	StartedAt   string
	CompletedAt string
	Label       string
}

// Task is a snapshot of one queue entry. Optional columns come back as
// empty strings.
type Task struct {
	ID             int64
	RunID          int64
	URL            string
	Depth          int
	Status         string
	AttemptCount   int
	LeaseOwner     string
	LeaseExpiresAt string
	NextRunAt      string
	LastError      string
	TaskType       string
}

// Seed pairs a start URL with its crawl depth.
type Seed struct {
	URL   string
	Depth int
}

// AcquireOptions controls one lease acquisition batch.
type AcquireOptions struct {
	Limit         int
	LeaseOwner    string
	LeaseDuration time.Duration
	MaxRetries    int
	// Backoff delays the next attempt of a reclaimed lease.
	Backoff time.Duration
}

// Asset is an asset row joined with its latest version info.
type Asset struct {
	ID                   int64
	RunID                int64
	AssetKey             string
	AssetType            string
	SourceURL            string
	Checksum             string
	Status               string
	CreatedAt            string
	UpdatedAt            string
	VersionCount         int
	LatestRawPath        string
	LatestNormalizedPath string
	LatestMetadata       string
}

// AssetInput carries the fields RecordAsset persists.
type AssetInput struct {
	SourceURL      string
	AssetKey       string
	AssetType      string
	Checksum       string
	RawPath        string
	NormalizedPath string
	MetadataJSON   string
}

// AssetVersion is one immutable version row.
type AssetVersion struct {
	ID             int64
	AssetID        int64
	Version        int
	Checksum       string
	CreatedAt      string
	RawPath        string
	NormalizedPath string
	MetadataJSON   string
}

// SourceSummary aggregates per-source run and asset counts.
type SourceSummary struct {
	Name       string
	RunCount   int
	AssetCount int
	LastRunAt  string
	LastStatus string
}

// SourceStats is the detailed breakdown behind `sources summary`.
type SourceStats struct {
	Name                 string
	RunsByStatus         map[string]int
	AssetsByType         map[string]int
	TasksByStatus        map[string]int
	TotalRawBytes        int64
	TotalNormalizedBytes int64
	FirstRunAt           string
	LastRunAt            string
	AvgDurationSeconds   float64
	HasDuration          bool
}

// AssetPaths locates the latest stored payloads for one asset.
type AssetPaths struct {
	AssetID        int64
	URL            string
	RawPath        string
	NormalizedPath string
}

// DeleteResult reports what DeleteSource removed.
type DeleteResult struct {
	RunsDeleted   int
	AssetsDeleted int
	FilesDeleted  int
	BytesFreed    int64
}

// Exception is one recorded pipeline failure.
type Exception struct {
	ID          int64
	RunID       int64
	Stage       string
	URL         string
	AssetKey    string
	Message     string
	ContextJSON string
	Status      string
	CreatedAt   string
	ResolvedAt  string
}
