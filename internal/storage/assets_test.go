package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAssetVersionsAreMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, err := store.StartRun(ctx, "default", "")
	require.NoError(t, err)

	version1, err := store.RecordAsset(ctx, run.ID, AssetInput{
		SourceURL: "https://example.com",
		AssetKey:  "https://example.com",
		AssetType: "page",
		Checksum:  "abc123",
		RawPath:   "raw/file1.html",
	})
	require.NoError(t, err)
	require.Equal(t, 1, version1)

	version2, err := store.RecordAsset(ctx, run.ID, AssetInput{
		SourceURL: "https://example.com",
		AssetKey:  "https://example.com",
		AssetType: "page",
		Checksum:  "def456",
		RawPath:   "raw/file2.html",
	})
	require.NoError(t, err)
	require.Equal(t, 2, version2)

	// A different key starts its own version sequence.
	other, err := store.RecordAsset(ctx, run.ID, AssetInput{
		SourceURL: "https://example.com/about",
		AssetKey:  "https://example.com/about",
		AssetType: "page",
		Checksum:  "zzz",
	})
	require.NoError(t, err)
	require.Equal(t, 1, other)

	asset, err := store.GetAssetByURL(ctx, "https://example.com", run.ID)
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.Equal(t, "def456", asset.Checksum, "asset row tracks the latest checksum")
	require.Equal(t, 2, asset.VersionCount)
	require.Equal(t, "raw/file2.html", asset.LatestRawPath)
}

func TestGetAssetAndVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, err := store.StartRun(ctx, "default", "")
	require.NoError(t, err)

	for _, checksum := range []string{"v1", "v2", "v3"} {
		_, err := store.RecordAsset(ctx, run.ID, AssetInput{
			SourceURL:      "https://example.com/doc",
			AssetKey:       "https://example.com/doc",
			AssetType:      "page",
			Checksum:       checksum,
			NormalizedPath: "normalized/" + checksum + ".txt",
		})
		require.NoError(t, err)
	}

	byURL, err := store.GetAssetByURL(ctx, "https://example.com/doc", 0)
	require.NoError(t, err)
	require.NotNil(t, byURL)

	asset, err := store.GetAsset(ctx, byURL.ID)
	require.NoError(t, err)
	require.NotNil(t, asset)
	require.Equal(t, 3, asset.VersionCount)

	versions, err := store.GetAssetVersions(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Equal(t, 3, versions[0].Version)
	require.Equal(t, "v3", versions[0].Checksum)

	latest, err := store.GetAssetVersion(ctx, asset.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Version)

	second, err := store.GetAssetVersion(ctx, asset.ID, 2)
	require.NoError(t, err)
	require.Equal(t, "v2", second.Checksum)
	require.Equal(t, "normalized/v2.txt", second.NormalizedPath)

	missing, err := store.GetAssetVersion(ctx, asset.ID, 99)
	require.NoError(t, err)
	require.Nil(t, missing)

	gone, err := store.GetAsset(ctx, asset.ID+999)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestListAssetsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, err := store.StartRun(ctx, "default", "")
	require.NoError(t, err)

	entries := []struct {
		key       string
		assetType string
	}{
		{"https://example.com/", "page"},
		{"https://example.com/docs/intro", "page"},
		{"https://cdn.example.com/logo.png", "media"},
	}
	for _, entry := range entries {
		_, err := store.RecordAsset(ctx, run.ID, AssetInput{
			SourceURL: entry.key,
			AssetKey:  entry.key,
			AssetType: entry.assetType,
			Checksum:  "c",
		})
		require.NoError(t, err)
	}

	all, err := store.ListAssets(ctx, run.ID, ListAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	require.Equal(t, "https://cdn.example.com/logo.png", all[0].AssetKey)

	pages, err := store.ListAssets(ctx, run.ID, ListAssetsOptions{AssetType: "page"})
	require.NoError(t, err)
	require.Len(t, pages, 2)

	docs, err := store.ListAssets(ctx, run.ID, ListAssetsOptions{URLPattern: "*docs*"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "https://example.com/docs/intro", docs[0].AssetKey)

	paged, err := store.ListAssets(ctx, run.ID, ListAssetsOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, "https://example.com/docs/intro", paged[0].AssetKey)
}

func TestExceptionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, err := store.StartRun(ctx, "default", "")
	require.NoError(t, err)

	count, err := store.CountOpenExceptions(ctx, run.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	id, err := store.RecordException(ctx, run.ID, ExceptionInput{
		Stage:   "fetch",
		URL:     "https://example.com/broken",
		Message: "status 404",
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	count, err = store.CountOpenExceptions(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, store.ResolveException(ctx, id))
	count, err = store.CountOpenExceptions(ctx, run.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}
