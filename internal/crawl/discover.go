package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AeyeOps/sitesync/internal/fetch"
	"github.com/AeyeOps/sitesync/internal/logging"
	"github.com/AeyeOps/sitesync/internal/observability"
	"github.com/AeyeOps/sitesync/internal/storage"
)

// seenCacheSize bounds the per-run cache of already-enqueued URLs. The
// queue's unique key stays authoritative; the cache only saves writes.
const seenCacheSize = 8192

// mediaExtensions lists the path extensions that download as media tasks
// instead of crawling as pages.
var mediaExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".svg": {},
	".ico": {}, ".webp": {},
	".mp4": {}, ".webm": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".mkv": {},
	".mp3": {}, ".wav": {}, ".flac": {}, ".ogg": {},
	".pdf": {}, ".ppt": {}, ".pptx": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".rar": {}, ".7z": {}, ".dmg": {}, ".iso": {},
	".exe": {},
	".css": {}, ".js": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
}

// trackingParams lists query parameters stripped from media URLs before
// enqueuing, beyond the utm_ prefix family.
var trackingParams = map[string]struct{}{
	"hsutk":  {},
	"__hstc": {},
	"__hssc": {},
	"__hsfp": {},
	"gclid":  {},
	"fbclid": {},
}

// Discoverer parses fetched pages and feeds admissible links back into the
// task queue: binary assets as depth-0 media downloads, everything else as
// page tasks one level shallower.
type Discoverer struct {
	store   *storage.Store
	filter  *Filter
	logger  logging.Logger
	metrics *observability.MetricsCollector
	seen    *lru.Cache[string, struct{}]
}

// NewDiscoverer wires a discoverer to the store and filter of one run.
func NewDiscoverer(store *storage.Store, filter *Filter, logger logging.Logger, metrics *observability.MetricsCollector) *Discoverer {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size.
		seen = nil
	}
	return &Discoverer{
		store:   store,
		filter:  filter,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		seen:    seen,
	}
}

// Discover extracts links from a fetched page and enqueues the admissible
// ones. It runs only for page tasks that still have depth to spend and a
// readable raw payload. Returns the number of tasks queued.
func (d *Discoverer) Discover(ctx context.Context, task *storage.Task, result *fetch.Result) (int, error) {
	if task.Depth <= 1 || task.TaskType == storage.TaskTypeMedia {
		return 0, nil
	}
	if result == nil || result.RawPayloadPath == "" {
		return 0, nil
	}
	html, err := os.ReadFile(result.RawPayloadPath)
	if err != nil {
		d.logger.Debug("Unable to read raw payload %s: %v", result.RawPayloadPath, err)
		return 0, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		d.logger.Debug("Unable to parse raw payload %s: %v", result.RawPayloadPath, err)
		return 0, nil
	}

	// Redirected fetches report their final URL in the metadata; relative
	// links on the page resolve against that, not the task URL.
	baseURL := task.URL
	if result.MetadataJSON != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(result.MetadataJSON), &metadata); err == nil {
			if final, ok := metadata["url"].(string); ok && final != "" {
				baseURL = final
			}
		}
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return 0, nil
	}

	suffixes := d.filter.Suffixes(baseURL)
	nextDepth := task.Depth - 1

	var pages, media []storage.Seed
	added := map[string]struct{}{}
	for _, candidate := range extractCandidates(doc) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		ref, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		resolved.RawFragment = ""
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		host := strings.ToLower(resolved.Host)
		if host == "" {
			continue
		}
		if !suffixes.Admits(host) {
			d.metrics.RecordFiltered(ctx, "domain")
			continue
		}
		if !d.filter.PathAllowed(host, resolved.Path) {
			d.metrics.RecordFiltered(ctx, "path")
			continue
		}
		absolute := resolved.String()
		if absolute == task.URL {
			continue
		}

		if classifyURLType(resolved.Path) == storage.TaskTypeMedia {
			absolute = stripTrackingParams(absolute)
			if !d.markPending(absolute, added) {
				continue
			}
			media = append(media, storage.Seed{URL: absolute, Depth: 0})
		} else {
			if !d.markPending(absolute, added) {
				continue
			}
			pages = append(pages, storage.Seed{URL: absolute, Depth: nextDepth})
		}
	}

	queued := 0
	if len(pages) > 0 {
		n, err := d.store.EnqueueSeedTasks(ctx, task.RunID, pages, storage.TaskTypePage)
		if err != nil {
			return queued, err
		}
		queued += n
	}
	if len(media) > 0 {
		n, err := d.store.EnqueueSeedTasks(ctx, task.RunID, media, storage.TaskTypeMedia)
		if err != nil {
			return queued, err
		}
		queued += n
	}
	if d.seen != nil {
		for u := range added {
			d.seen.Add(u, struct{}{})
		}
	}
	if queued > 0 {
		d.metrics.RecordDiscovered(ctx, queued)
		d.logger.Debug("Queued %d new URL(s) from %s", queued, task.URL)
	}
	return queued, nil
}

// markPending dedupes a candidate within this page and against the run's
// seen cache, claiming it when new.
func (d *Discoverer) markPending(u string, added map[string]struct{}) bool {
	if _, dup := added[u]; dup {
		return false
	}
	if d.seen != nil && d.seen.Contains(u) {
		return false
	}
	added[u] = struct{}{}
	return true
}

// authPathPrefixes mark a final URL as an authentication page.
var authPathPrefixes = []string{"/auth/", "/oauth/", "/login", "/signin"}

// HandleAuthRedirect inspects the final URL of a successful fetch. When the
// request was redirected into a login or OAuth flow it denies the auth
// section for that host, plus the subtree of any continue target, and
// reports true so the caller skips link discovery: the payload is a login
// page, not the requested content.
func (d *Discoverer) HandleAuthRedirect(taskURL string, result *fetch.Result) bool {
	if result == nil || result.MetadataJSON == "" {
		return false
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(result.MetadataJSON), &metadata); err != nil {
		return false
	}
	finalURL, _ := metadata["url"].(string)
	if finalURL == "" {
		return false
	}
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)
	if host == "" || !isAuthPath(parsed.Path) {
		return false
	}

	var added []string
	if d.filter.AddRuntimeDeny(host, "/auth/**") {
		added = append(added, "/auth/**")
	}
	if strings.HasPrefix(parsed.Path, "/auth/login") {
		if target := parsed.Query().Get("continue"); target != "" {
			if contPath := continuePath(target); contPath != "" {
				pattern := contPath + "/**"
				if d.filter.AddRuntimeDeny(host, pattern) {
					added = append(added, pattern)
				}
			}
		}
	}
	if len(added) > 0 {
		d.logger.Info("Auth redirect detected for %s -> %s; added deny rules %v", taskURL, finalURL, added)
	}
	return true
}

func isAuthPath(p string) bool {
	for _, prefix := range authPathPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// continuePath extracts the path of a continue target, trimming trailing
// slashes so the resulting deny pattern covers the subtree. Empty and root
// paths yield nothing to deny.
func continuePath(target string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return ""
	}
	p := parsed.Path
	if p == "" || p == "/" {
		return ""
	}
	if trimmed := strings.TrimRight(p, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}

// extractCandidates pulls every linkable URL out of the document: anchors,
// stylesheets and icons, image/video/audio sources with srcset variants,
// social preview images, and embedded objects.
func extractCandidates(doc *goquery.Document) []string {
	var out []string
	add := func(value string, ok bool) {
		if ok {
			out = append(out, value)
		}
	}
	doc.Find("a[href], link[href]").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("href"))
	})
	doc.Find("img, source").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("src"))
		if srcset, ok := sel.Attr("srcset"); ok {
			out = append(out, parseSrcset(srcset)...)
		}
	})
	doc.Find("video").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("src"))
		add(sel.Attr("poster"))
	})
	doc.Find("audio[src]").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("src"))
	})
	doc.Find(`meta[property="og:image"], meta[name="twitter:image"]`).Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("content"))
	})
	doc.Find("object[data]").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("data"))
	})
	doc.Find("embed[src]").Each(func(_ int, sel *goquery.Selection) {
		add(sel.Attr("src"))
	})
	return out
}

// parseSrcset splits a srcset attribute into its URLs, dropping width and
// density descriptors.
func parseSrcset(srcset string) []string {
	var urls []string
	for _, entry := range strings.Split(srcset, ",") {
		if fields := strings.Fields(entry); len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}

// classifyURLType buckets a URL path by extension: known binary extensions
// download as media, everything else crawls as a page.
func classifyURLType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if _, ok := mediaExtensions[ext]; ok {
		return storage.TaskTypeMedia
	}
	return storage.TaskTypePage
}

// stripTrackingParams removes analytics query parameters (the utm_ family
// and common click identifiers) while preserving the order of everything
// else. URLs without tracking parameters come back unchanged.
func stripTrackingParams(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.RawQuery == "" {
		return rawURL
	}
	pairs := strings.Split(parsed.RawQuery, "&")
	kept := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		key := pair
		if idx := strings.Index(pair, "="); idx >= 0 {
			key = pair[:idx]
		}
		if strings.HasPrefix(key, "utm_") {
			continue
		}
		if _, tracked := trackingParams[key]; tracked {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == len(pairs) {
		return rawURL
	}
	parsed.RawQuery = strings.Join(kept, "&")
	return parsed.String()
}
