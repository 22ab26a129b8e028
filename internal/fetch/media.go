package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/httpclient"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// DefaultMaxSizeBytes caps media downloads at 100 MB unless configured.
const DefaultMaxSizeBytes = 100_000_000

// mimeExtensions maps common media types to extensions that the mime package
// resolves poorly or not at all.
var mimeExtensions = map[string]string{
	"image/png":                ".png",
	"image/jpeg":               ".jpg",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"image/x-icon":             ".ico",
	"image/vnd.microsoft.icon": ".ico",
	"image/bmp":                ".bmp",
	"image/tiff":               ".tiff",
	"image/avif":               ".avif",
	"video/mp4":                ".mp4",
	"video/webm":               ".webm",
	"video/ogg":                ".ogv",
	"audio/mpeg":               ".mp3",
	"audio/ogg":                ".ogg",
	"audio/wav":                ".wav",
	"audio/webm":               ".weba",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"application/gzip":         ".gz",
	"application/x-tar":        ".tar",
	"application/x-7z-compressed":  ".7z",
	"application/x-rar-compressed": ".rar",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/msword":            ".doc",
	"application/vnd.ms-excel":      ".xls",
	"application/vnd.ms-powerpoint": ".ppt",
	"text/css":                      ".css",
	"application/javascript":        ".js",
	"text/javascript":               ".js",
	"application/json":              ".json",
	"application/xml":               ".xml",
	"text/xml":                      ".xml",
	"font/woff":                     ".woff",
	"font/woff2":                    ".woff2",
	"font/ttf":                      ".ttf",
	"font/otf":                      ".otf",
	"application/font-woff":         ".woff",
	"application/font-woff2":        ".woff2",
}

// MediaFetcher streams binary assets to content-addressed files in the media
// output directory.
type MediaFetcher struct {
	client       *http.Client
	mediaDir     string
	userAgent    string
	maxSizeBytes int64
	logger       logging.Logger
}

// NewMediaFetcher builds a media fetcher from opts. MediaDir is required.
func NewMediaFetcher(opts Options) (*MediaFetcher, error) {
	if strings.TrimSpace(opts.MediaDir) == "" {
		return nil, fmt.Errorf("media fetcher requires a media dir")
	}

	client := opts.Client
	if client == nil {
		client = httpclient.New(opts.Timeout, opts.Logger)
	}
	maxSize := opts.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &MediaFetcher{
		client:       client,
		mediaDir:     opts.MediaDir,
		userAgent:    userAgent,
		maxSizeBytes: maxSize,
		logger:       logging.OrNop(opts.Logger),
	}, nil
}

type mediaMetadata struct {
	URL           string `json:"url"`
	Status        int    `json:"status"`
	ContentType   string `json:"content_type"`
	ContentLength int64  `json:"content_length"`
	Checksum      string `json:"checksum"`
	Extension     string `json:"extension"`
}

// Fetch streams task.URL to <sha256-of-content><ext> under the media dir,
// hashing while downloading so the file is named after what actually arrived.
func (f *MediaFetcher) Fetch(ctx context.Context, task *storage.Task) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("invalid URL %s", task.URL))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, sitesyncerrors.NewTransientError(err, fmt.Sprintf("request failed for %s", task.URL))
	}
	defer func() { _ = resp.Body.Close() }()

	finalURL := task.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if err := sitesyncerrors.FromHTTPStatus(resp.StatusCode, finalURL); err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extensionForContentType(contentType, task.URL)

	if err := os.MkdirAll(f.mediaDir, 0o755); err != nil {
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("creating media dir %s", f.mediaDir))
	}
	tmp, err := os.CreateTemp(f.mediaDir, "download-*")
	if err != nil {
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("creating temp file for %s", task.URL))
	}
	tmpPath := tmp.Name()

	hasher := sha256.New()
	written, err := httpclient.CopyWithLimit(io.MultiWriter(tmp, hasher), resp.Body, f.maxSizeBytes)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		switch {
		case httpclient.IsResponseTooLarge(err):
			return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("response exceeds %d bytes for %s", f.maxSizeBytes, task.URL))
		case isFileError(err):
			return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("saving %s", task.URL))
		default:
			return nil, sitesyncerrors.NewTransientError(err, fmt.Sprintf("streaming %s", task.URL))
		}
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	destPath := filepath.Join(f.mediaDir, checksum+ext)
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("saving %s", task.URL))
	}

	metadata, err := json.Marshal(mediaMetadata{
		URL:           finalURL,
		Status:        resp.StatusCode,
		ContentType:   contentType,
		ContentLength: written,
		Checksum:      checksum,
		Extension:     ext,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding media metadata: %w", err)
	}

	f.logger.Debug("Downloaded %s (%d bytes) to %s", task.URL, written, destPath)

	return &Result{
		AssetsCreated:  1,
		RawPayloadPath: destPath,
		Checksum:       checksum,
		AssetType:      AssetTypeMedia,
		MetadataJSON:   string(metadata),
	}, nil
}

// extensionForContentType resolves a file extension from the Content-Type
// header, falling back to the URL path, then ".bin".
func extensionForContentType(contentType, rawURL string) string {
	if contentType != "" {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		if ext, ok := mimeExtensions[mediaType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}

	urlPath := rawURL
	if i := strings.IndexAny(urlPath, "?#"); i >= 0 {
		urlPath = urlPath[:i]
	}
	last := urlPath
	if i := strings.LastIndex(last, "/"); i >= 0 {
		last = last[i+1:]
	}
	if dot := strings.LastIndex(last, "."); dot >= 0 {
		ext := "." + strings.ToLower(last[dot+1:])
		if len(ext) > 1 && len(ext) <= 6 {
			return ext
		}
	}

	return ".bin"
}

func isFileError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
