package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/httpclient"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// PageFetcher retrieves HTML pages over plain HTTP and saves them to the raw
// output directory keyed by the final URL after redirects.
type PageFetcher struct {
	client       *http.Client
	rawDir       string
	userAgent    string
	maxBodyBytes int64
	logger       logging.Logger
}

// NewPageFetcher builds a page fetcher from opts.
func NewPageFetcher(opts Options) *PageFetcher {
	client := opts.Client
	if client == nil {
		client = httpclient.New(opts.Timeout, opts.Logger)
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		}
	}

	rawDir := opts.RawDir
	if rawDir == "" {
		rawDir = filepath.Join("data", "raw")
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &PageFetcher{
		client:       client,
		rawDir:       rawDir,
		userAgent:    userAgent,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       logging.OrNop(opts.Logger),
	}
}

type pageMetadata struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Title  string `json:"title"`
}

// Fetch downloads task.URL, writes the HTML as sha256(finalURL).html under
// the raw dir and reports the body checksum plus page metadata.
func (f *PageFetcher) Fetch(ctx context.Context, task *storage.Task) (*Result, error) {
	started := time.Now()

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

	// Redirects may land somewhere else entirely; everything downstream
	// (filenames, filters, discovery) keys off the final URL.
	pageURL := task.URL
	if resp.Request != nil && resp.Request.URL != nil {
		pageURL = resp.Request.URL.String()
	}

	if err := sitesyncerrors.FromHTTPStatus(resp.StatusCode, pageURL); err != nil {
		return nil, err
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, f.maxBodyBytes)
	if err != nil {
		if httpclient.IsResponseTooLarge(err) {
			return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("page exceeds %d bytes for %s", f.maxBodyBytes, task.URL))
		}
		return nil, sitesyncerrors.NewTransientError(err, fmt.Sprintf("reading response for %s", task.URL))
	}

	if err := os.MkdirAll(f.rawDir, 0o755); err != nil {
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("creating raw dir %s", f.rawDir))
	}
	rawPath := filepath.Join(f.rawDir, fmt.Sprintf("%x.html", sha256.Sum256([]byte(pageURL))))
	if err := os.WriteFile(rawPath, body, 0o644); err != nil {
		return nil, sitesyncerrors.NewPermanentError(err, fmt.Sprintf("saving %s", task.URL))
	}

	metadata, err := json.Marshal(pageMetadata{
		URL:    pageURL,
		Status: resp.StatusCode,
		Title:  pageTitle(body),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding page metadata: %w", err)
	}

	f.logger.Debug("Fetched %s status=%d bytes=%d elapsed=%.2fs", pageURL, resp.StatusCode, len(body), time.Since(started).Seconds())

	return &Result{
		AssetsCreated:  1,
		RawPayloadPath: rawPath,
		Checksum:       fmt.Sprintf("%x", sha256.Sum256(body)),
		AssetType:      AssetTypePage,
		MetadataJSON:   string(metadata),
	}, nil
}

// pageTitle extracts the document title; malformed HTML yields "".
func pageTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
