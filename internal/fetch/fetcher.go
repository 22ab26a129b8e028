// Package fetch downloads crawl task payloads. Fetchers write what they
// retrieve under the run's output directories and classify every failure as
// transient or permanent so the queue can schedule retries.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// Asset types reported by fetchers and stamped onto recorded assets.
const (
	AssetTypePage  = "page"
	AssetTypeMedia = "media"
)

// DefaultUserAgent identifies sitesync on outbound requests.
const DefaultUserAgent = "Sitesync-Agent/1.0 (Site Mirror)"

// Result describes what a fetch produced on disk. AssetType defaults to
// "page" downstream when a fetcher leaves it empty.
type Result struct {
	AssetsCreated         int
	RawPayloadPath        string
	NormalizedPayloadPath string
	Checksum              string
	AssetType             string
	MetadataJSON          string
}

// Fetcher downloads the payload for a single task. Implementations return
// errors from the errors package so callers can tell retryable failures from
// dead ends.
type Fetcher interface {
	Fetch(ctx context.Context, task *storage.Task) (*Result, error)
}

// Options carries the construction knobs shared by the built-in fetchers.
// Zero values fall back to package defaults.
type Options struct {
	RawDir       string
	MediaDir     string
	Timeout      time.Duration
	UserAgent    string
	MaxSizeBytes int64 // media download cap
	MaxBodyBytes int64 // page body cap, 0 = unlimited
	Client       *http.Client
	Logger       logging.Logger
}

// ApplyRaw folds a source's fetcher_options map into o. Unknown keys are
// ignored so configs stay forward compatible.
func (o *Options) ApplyRaw(raw map[string]any) {
	for key, value := range raw {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "raw_dir":
			if s, ok := value.(string); ok && s != "" {
				o.RawDir = s
			}
		case "media_dir":
			if s, ok := value.(string); ok && s != "" {
				o.MediaDir = s
			}
		case "timeout":
			if secs, ok := toFloat(value); ok && secs > 0 {
				o.Timeout = time.Duration(secs * float64(time.Second))
			}
		case "user_agent":
			if s, ok := value.(string); ok && s != "" {
				o.UserAgent = s
			}
		case "max_size_bytes":
			if n, ok := toInt64(value); ok && n > 0 {
				o.MaxSizeBytes = n
			}
		case "max_body_bytes":
			if n, ok := toInt64(value); ok && n > 0 {
				o.MaxBodyBytes = n
			}
		}
	}
}

// New builds the fetcher registered under name. An empty name selects the
// default page fetcher.
func New(name string, opts Options) (Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "http", "page":
		return NewPageFetcher(opts), nil
	case "media":
		return NewMediaFetcher(opts)
	case "null":
		return NullFetcher{}, nil
	default:
		return nil, fmt.Errorf("unsupported fetcher %q", name)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
