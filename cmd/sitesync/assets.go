package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/AeyeOps/sitesync/internal/diff"
	"github.com/AeyeOps/sitesync/internal/storage"
)

func newAssetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect captured assets",
	}
	cmd.AddCommand(newAssetsListCommand())
	cmd.AddCommand(newAssetsShowCommand())
	cmd.AddCommand(newAssetsDiffCommand())
	return cmd
}

// latestUsableRun resolves the run data commands read from when --run is
// absent: the most recent run that finished or was stopped.
func latestUsableRun(cmd *cobra.Command, store *storage.Store, source string) (int64, error) {
	latest, err := store.GetLatestRun(cmd.Context(), source, storage.RunStatusCompleted, storage.RunStatusStopped)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, fmt.Errorf("no completed runs found; use --run to specify a run ID")
	}
	errln(cmd, "Using most recent run: %d", latest.ID)
	return latest.ID, nil
}

func newAssetsListCommand() *cobra.Command {
	var (
		runID      int64
		assetType  string
		urlPattern string
		limit      int
		offset     int
		format     string
		withPaths  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List, filter, and search assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()
			source, err := app.sourceName("")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == 0 {
				runID, err = latestUsableRun(cmd, store, source)
				if err != nil {
					return err
				}
			}

			assets, err := store.ListAssets(ctx, runID, storage.ListAssetsOptions{
				AssetType:  assetType,
				URLPattern: urlPattern,
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return err
			}
			if len(assets) == 0 {
				errln(cmd, "No assets found matching criteria.")
				return nil
			}

			switch format {
			case "json":
				rows := make([]map[string]any, 0, len(assets))
				for i := range assets {
					asset := &assets[i]
					rows = append(rows, map[string]any{
						"id":                     asset.ID,
						"run_id":                 asset.RunID,
						"asset_key":              asset.AssetKey,
						"asset_type":             asset.AssetType,
						"source_url":             asset.SourceURL,
						"checksum":               asset.Checksum,
						"status":                 asset.Status,
						"version_count":          asset.VersionCount,
						"created_at":             asset.CreatedAt,
						"updated_at":             asset.UpdatedAt,
						"latest_raw_path":        asset.LatestRawPath,
						"latest_normalized_path": asset.LatestNormalizedPath,
					})
				}
				return printJSON(cmd, rows)
			case "csv":
				outln(cmd, "id,type,asset_key,checksum,versions,updated_at")
				for i := range assets {
					asset := &assets[i]
					outln(cmd, "%d,%s,%q,%s,%d,%s",
						asset.ID, asset.AssetType, asset.AssetKey, shortChecksum(asset.Checksum, false),
						asset.VersionCount, asset.UpdatedAt)
				}
				return nil
			case "paths":
				for i := range assets {
					if path := firstNonEmpty(assets[i].LatestNormalizedPath, assets[i].LatestRawPath); path != "" {
						outln(cmd, "%s", path)
					}
				}
				return nil
			}

			if withPaths {
				outln(cmd, "%-6s %-8s %-35s %-10s %-4s %s", "ID", "TYPE", "KEY", "CHECKSUM", "VERS", "PATH")
				for i := range assets {
					asset := &assets[i]
					path := firstNonEmpty(asset.LatestNormalizedPath, asset.LatestRawPath)
					outln(cmd, "%-6d %-8s %-35s %-10s %-4d %s",
						asset.ID, asset.AssetType, truncate(asset.AssetKey, 35),
						shortChecksum(asset.Checksum, true), asset.VersionCount, truncate(path, 40))
				}
				return nil
			}

			outln(cmd, "%-6s %-8s %-40s %-12s %-4s %s", "ID", "TYPE", "KEY", "CHECKSUM", "VERS", "UPDATED")
			for i := range assets {
				asset := &assets[i]
				outln(cmd, "%-6d %-8s %-40s %-12s %-4d %s",
					asset.ID, asset.AssetType, truncate(asset.AssetKey, 40),
					shortChecksum(asset.Checksum, true), asset.VersionCount, formatTimestamp(asset.UpdatedAt))
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&runID, "run", "r", 0, "Filter by run ID (defaults to the most recent finished run)")
	cmd.Flags().StringVarP(&assetType, "type", "t", "", "Filter by asset type")
	cmd.Flags().StringVarP(&urlPattern, "url", "u", "", "URL glob pattern")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip N results")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table/json/csv/paths)")
	cmd.Flags().BoolVar(&withPaths, "with-paths", false, "Include file paths in the table")
	return cmd
}

func shortChecksum(checksum string, ellipsis bool) string {
	if checksum == "" {
		return ""
	}
	if len(checksum) > 8 {
		checksum = checksum[:8]
	}
	if ellipsis {
		return checksum + "..."
	}
	return checksum
}

func newAssetsShowCommand() *cobra.Command {
	var (
		url      string
		runID    int64
		raw      bool
		version  int
		pathOnly bool
		metaOnly bool
		noHeader bool
	)
	cmd := &cobra.Command{
		Use:   "show [asset-id]",
		Short: "View asset content",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && url == "" {
				return fmt.Errorf("provide either an asset ID or --url")
			}
			if len(args) > 0 && url != "" {
				return fmt.Errorf("provide an asset ID or --url, not both")
			}

			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()
			source, err := app.sourceName("")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var asset *storage.Asset
			if len(args) > 0 {
				assetID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid asset id %q", args[0])
				}
				asset, err = store.GetAsset(ctx, assetID)
				if err != nil {
					return err
				}
				if asset == nil {
					return fmt.Errorf("asset %d not found", assetID)
				}
			} else {
				lookupRun := runID
				if lookupRun == 0 {
					latest, err := store.GetLatestRun(ctx, source, storage.RunStatusCompleted, storage.RunStatusStopped)
					if err != nil {
						return err
					}
					if latest != nil {
						lookupRun = latest.ID
					}
				}
				asset, err = store.GetAssetByURL(ctx, url, lookupRun)
				if err != nil {
					return err
				}
				if asset == nil {
					return fmt.Errorf("asset with URL %q not found", url)
				}
			}

			assetVersion, err := store.GetAssetVersion(ctx, asset.ID, version)
			if err != nil {
				return err
			}
			if assetVersion == nil {
				if version > 0 {
					return fmt.Errorf("version %d not found for asset %d", version, asset.ID)
				}
				return fmt.Errorf("no versions found for asset %d", asset.ID)
			}

			targetPath := firstNonEmpty(assetVersion.NormalizedPath, assetVersion.RawPath)
			if raw {
				targetPath = firstNonEmpty(assetVersion.RawPath, assetVersion.NormalizedPath)
			}

			if pathOnly {
				if targetPath == "" {
					return fmt.Errorf("no file path recorded for this asset")
				}
				if _, err := os.Stat(targetPath); err != nil {
					return fmt.Errorf("file not found: %s", targetPath)
				}
				outln(cmd, "%s", targetPath)
				return nil
			}

			if metaOnly {
				if assetVersion.MetadataJSON == "" {
					outln(cmd, "{}")
					return nil
				}
				var meta map[string]any
				if err := json.Unmarshal([]byte(assetVersion.MetadataJSON), &meta); err != nil {
					outln(cmd, "%s", assetVersion.MetadataJSON)
					return nil
				}
				return printJSON(cmd, meta)
			}

			if !noHeader {
				outln(cmd, "=== Asset %d: %s ===", asset.ID, truncate(asset.AssetKey, 60))
				outln(cmd, "Type: %s | Version: %d | Updated: %s",
					asset.AssetType, assetVersion.Version, formatTimestamp(assetVersion.CreatedAt))
				if targetPath != "" {
					outln(cmd, "Path: %s", targetPath)
				}
				outln(cmd, "---")
			}

			if targetPath == "" {
				outln(cmd, "(no content file recorded)")
				return nil
			}
			data, err := os.ReadFile(targetPath)
			if err != nil {
				if os.IsNotExist(err) {
					outln(cmd, "(file not found: %s)", targetPath)
					return nil
				}
				outln(cmd, "(error reading file: %v)", err)
				return nil
			}
			if !utf8.Valid(data) {
				outln(cmd, "(binary file: %d bytes)", len(data))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&url, "url", "u", "", "Look the asset up by URL instead of ID")
	cmd.Flags().Int64VarP(&runID, "run", "r", 0, "Run ID for URL lookup")
	cmd.Flags().BoolVar(&raw, "raw", false, "Show raw content instead of normalized")
	cmd.Flags().IntVarP(&version, "version", "v", 0, "Specific version (defaults to latest)")
	cmd.Flags().BoolVarP(&pathOnly, "path-only", "p", false, "Output only the file path")
	cmd.Flags().BoolVarP(&metaOnly, "metadata", "m", false, "Show metadata only")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "Suppress the header for piping")
	return cmd
}

func newAssetsDiffCommand() *cobra.Command {
	var (
		fromVersion int
		toVersion   int
		raw         bool
	)
	cmd := &cobra.Command{
		Use:   "diff <asset-id>",
		Short: "Diff two stored versions of an asset",
		Long: `Diff compares the normalized content of two versions of one asset and
prints a unified diff. Without flags it compares the latest version
against the one before it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assetID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid asset id %q", args[0])
			}

			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			store, err := openExistingStore(ctx, app.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			asset, err := store.GetAsset(ctx, assetID)
			if err != nil {
				return err
			}
			if asset == nil {
				return fmt.Errorf("asset %d not found", assetID)
			}

			newVer, err := store.GetAssetVersion(ctx, asset.ID, toVersion)
			if err != nil {
				return err
			}
			if newVer == nil {
				return fmt.Errorf("no versions found for asset %d", asset.ID)
			}

			fromNumber := fromVersion
			if fromNumber <= 0 {
				fromNumber = newVer.Version - 1
			}
			if fromNumber < 1 {
				return fmt.Errorf("asset %d has no earlier version to compare", asset.ID)
			}
			oldVer, err := store.GetAssetVersion(ctx, asset.ID, fromNumber)
			if err != nil {
				return err
			}
			if oldVer == nil {
				return fmt.Errorf("version %d not found for asset %d", fromNumber, asset.ID)
			}

			oldText, err := readVersionPayload(oldVer, raw)
			if err != nil {
				return err
			}
			newText, err := readVersionPayload(newVer, raw)
			if err != nil {
				return err
			}

			outln(cmd, "%s", cyan(fmt.Sprintf("Asset %d: %s", asset.ID, truncate(asset.AssetKey, 60))))
			result := diff.New(3, isTTY()).Unified(
				fmt.Sprintf("v%d", oldVer.Version), fmt.Sprintf("v%d", newVer.Version), oldText, newText)
			if result.Text == "" {
				outln(cmd, "No changes between v%d and v%d.", oldVer.Version, newVer.Version)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), result.Text)
			outln(cmd, "%s", result.Summary())
			return nil
		},
	}
	cmd.Flags().IntVar(&fromVersion, "from", 0, "Older version number (defaults to the one before --to)")
	cmd.Flags().IntVar(&toVersion, "to", 0, "Newer version number (defaults to latest)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Diff raw payloads instead of normalized content")
	return cmd
}

func readVersionPayload(version *storage.AssetVersion, raw bool) (string, error) {
	path := firstNonEmpty(version.NormalizedPath, version.RawPath)
	if raw {
		path = firstNonEmpty(version.RawPath, version.NormalizedPath)
	}
	if path == "" {
		return "", fmt.Errorf("version %d has no content file recorded", version.Version)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read version %d: %w", version.Version, err)
	}
	return string(data), nil
}
