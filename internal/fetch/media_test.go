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

func TestMediaFetcherContentAddressedDownload(t *testing.T) {
	payload := []byte("pretend png bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	mediaDir := t.TempDir()
	fetcher, err := NewMediaFetcher(Options{MediaDir: mediaDir})
	require.NoError(t, err)

	result, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL + "/assets/hero"})
	require.NoError(t, err)

	checksum := fmt.Sprintf("%x", sha256.Sum256(payload))
	require.Equal(t, checksum, result.Checksum)
	require.Equal(t, AssetTypeMedia, result.AssetType)
	require.Equal(t, 1, result.AssetsCreated)
	require.Equal(t, filepath.Join(mediaDir, checksum+".png"), result.RawPayloadPath)

	saved, err := os.ReadFile(result.RawPayloadPath)
	require.NoError(t, err)
	require.Equal(t, payload, saved)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.MetadataJSON), &meta))
	require.Equal(t, "image/png", meta["content_type"])
	require.Equal(t, float64(len(payload)), meta["content_length"])
	require.Equal(t, ".png", meta["extension"])
	require.Equal(t, checksum, meta["checksum"])
	require.Equal(t, float64(http.StatusOK), meta["status"])
}

func TestMediaFetcherSameContentIsIdempotent(t *testing.T) {
	payload := []byte("logo")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	mediaDir := t.TempDir()
	fetcher, err := NewMediaFetcher(Options{MediaDir: mediaDir})
	require.NoError(t, err)

	first, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL + "/logo"})
	require.NoError(t, err)
	second, err := fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL + "/logo"})
	require.NoError(t, err)

	require.Equal(t, first.RawPayloadPath, second.RawPayloadPath)
	entries, err := os.ReadDir(mediaDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMediaFetcherSizeCapCleansUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 256))
	}))
	defer srv.Close()

	mediaDir := t.TempDir()
	fetcher, err := NewMediaFetcher(Options{MediaDir: mediaDir, MaxSizeBytes: 64})
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL})
	require.Error(t, err)
	require.True(t, sitesyncerrors.IsPermanent(err))
	require.Contains(t, err.Error(), "exceeds")

	entries, err := os.ReadDir(mediaDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMediaFetcherStatusClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"server error is transient", http.StatusInternalServerError, true},
		{"throttling is transient", http.StatusTooManyRequests, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			fetcher, err := NewMediaFetcher(Options{MediaDir: t.TempDir()})
			require.NoError(t, err)

			_, err = fetcher.Fetch(context.Background(), &storage.Task{URL: srv.URL})
			require.Error(t, err)
			require.Equal(t, tc.transient, sitesyncerrors.IsTransient(err))
		})
	}
}

func TestNewMediaFetcherRequiresMediaDir(t *testing.T) {
	_, err := NewMediaFetcher(Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "media dir")
}

func TestExtensionForContentType(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		url         string
		want        string
	}{
		{"mapped media type", "image/png", "https://cdn.example.net/hero", ".png"},
		{"parameters stripped", "image/jpeg; charset=binary", "https://cdn.example.net/a", ".jpg"},
		{"office document", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", "https://cdn.example.net/report", ".docx"},
		{"font", "font/woff2", "https://cdn.example.net/f", ".woff2"},
		{"icon alias", "image/vnd.microsoft.icon", "https://cdn.example.net/favicon", ".ico"},
		{"url fallback", "", "https://cdn.example.net/assets/logo.svg?v=2", ".svg"},
		{"url fallback strips fragment", "", "https://cdn.example.net/archive.tar.gz#part", ".gz"},
		{"no extension anywhere", "", "https://cdn.example.net/download", ".bin"},
		{"overlong url extension rejected", "", "https://cdn.example.net/file.verylongext", ".bin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, extensionForContentType(tc.contentType, tc.url))
		})
	}
}
