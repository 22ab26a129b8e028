package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	sitesyncerrors "github.com/AeyeOps/sitesync/internal/errors"
	"github.com/AeyeOps/sitesync/internal/storage"
)

func TestPageFetcherSavesHTMLAndMetadata(t *testing.T) {
	const body = `<html><head><title> Welcome Home </title></head><body><p>hi</p></body></html>`

	var gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	rawDir := t.TempDir()
	fetcher := NewPageFetcher(Options{RawDir: rawDir})

	pageURL := srv.URL + "/docs/intro"
	result, err := fetcher.Fetch(context.Background(), &storage.Task{URL: pageURL})
	require.NoError(t, err)

	require.Equal(t, DefaultUserAgent, gotUserAgent)
	require.Equal(t, 1, result.AssetsCreated)
	require.Equal(t, AssetTypePage, result.AssetType)
	require.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte(body))), result.Checksum)

	wantPath := filepath.Join(rawDir, fmt.Sprintf("%x.html", sha256.Sum256([]byte(pageURL))))
	require.Equal(t, wantPath, result.RawPayloadPath)
	saved, err := os.ReadFile(result.RawPayloadPath)
	require.NoError(t, err)
	require.Equal(t, body, string(saved))

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.MetadataJSON), &meta))
	require.Equal(t, pageURL, meta["url"])
	require.Equal(t, float64(http.StatusOK), meta["status"])
	require.Equal(t, "Welcome Home", meta["title"])
}

func TestPageFetcherFollowsRedirects(t *testing.T) {
	const body = `<html><head><title>Landing</title></head><body>done</body></html>`

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rawDir := t.TempDir()
	fetcher := NewPageFetcher(Options{RawDir: rawDir})

	result, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL + "/old"})
	require.NoError(t, err)

	finalURL := srv.URL + "/new"
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.MetadataJSON), &meta))
	require.Equal(t, finalURL, meta["url"])

	wantPath := filepath.Join(rawDir, fmt.Sprintf("%x.html", sha256.Sum256([]byte(finalURL))))
	require.Equal(t, wantPath, result.RawPayloadPath)
}

func TestPageFetcherStatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"gone is permanent", http.StatusGone, false},
		{"server error is transient", http.StatusServiceUnavailable, true},
		{"throttling is transient", http.StatusTooManyRequests, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			fetcher := NewPageFetcher(Options{RawDir: t.TempDir()})
			_, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL})
			require.Error(t, err)
			require.Equal(t, tc.transient, sitesyncerrors.IsTransient(err))
			require.Equal(t, !tc.transient, sitesyncerrors.IsPermanent(err))
		})
	}
}

func TestPageFetcherConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	fetcher := NewPageFetcher(Options{RawDir: t.TempDir()})
	_, err := fetcher.Fetch(context.Background(), &storage.Task{URL: target})
	require.Error(t, err)
	require.True(t, sitesyncerrors.IsTransient(err))
}

func TestPageFetcherRejectsMalformedURL(t *testing.T) {
	fetcher := NewPageFetcher(Options{RawDir: t.TempDir()})
	_, err := fetcher.Fetch(context.Background(), &storage.Task{URL: "http://example.com/%zz"})
	require.Error(t, err)
	require.True(t, sitesyncerrors.IsPermanent(err))
}

func TestPageFetcherBodyCapIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	fetcher := NewPageFetcher(Options{RawDir: t.TempDir(), MaxBodyBytes: 16})
	_, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL})
	require.Error(t, err)
	require.True(t, sitesyncerrors.IsPermanent(err))
	require.Contains(t, err.Error(), "exceeds")
}

func TestPageFetcherMissingTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>untitled</body></html>"))
	}))
	defer srv.Close()

	fetcher := NewPageFetcher(Options{RawDir: t.TempDir()})
	result, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL})
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.MetadataJSON), &meta))
	require.Equal(t, "", meta["title"])
}
