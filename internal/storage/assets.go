package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordAsset upserts the asset row keyed by (run_id, asset_key) and appends
// the next version in the same transaction. Returns the new version number,
// starting at 1.
func (s *Store) RecordAsset(ctx context.Context, runID int64, input AssetInput) (int, error) {
	now := nowString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record asset: %w", err)
	}
	defer tx.Rollback()

	var assetID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO assets (run_id, source_url, asset_key, asset_type, status, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT(run_id, asset_key) DO UPDATE SET
		    checksum = excluded.checksum,
		    status = 'active',
		    updated_at = excluded.updated_at
		RETURNING id`,
		runID, input.SourceURL, input.AssetKey, input.AssetType, nullable(input.Checksum), now, now,
	).Scan(&assetID); err != nil {
		return 0, fmt.Errorf("upsert asset %q: %w", input.AssetKey, err)
	}

	var nextVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM asset_versions WHERE asset_id = ?`,
		assetID,
	).Scan(&nextVersion); err != nil {
		return 0, fmt.Errorf("next version for asset %d: %w", assetID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO asset_versions (
		    asset_id, version, checksum, created_at, raw_path, normalized_path, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assetID, nextVersion, input.Checksum, now,
		nullable(input.RawPath), nullable(input.NormalizedPath), nullable(input.MetadataJSON),
	); err != nil {
		return 0, fmt.Errorf("insert version %d for asset %d: %w", nextVersion, assetID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record asset: %w", err)
	}
	return nextVersion, nil
}

// assetQuery joins assets with their latest version and a version count.
const assetQuery = `
	WITH latest_versions AS (
	    SELECT asset_id, MAX(version) AS max_version, COUNT(*) AS version_count
	    FROM asset_versions
	    GROUP BY asset_id
	)
	SELECT a.id, a.run_id, a.asset_key, a.asset_type, a.source_url,
	       a.checksum, a.status, a.created_at, a.updated_at,
	       COALESCE(lv.version_count, 0) AS version_count,
	       av.raw_path, av.normalized_path, av.metadata_json
	FROM assets a
	LEFT JOIN latest_versions lv ON lv.asset_id = a.id
	LEFT JOIN asset_versions av ON av.asset_id = a.id AND av.version = lv.max_version
`

func scanAsset(row interface{ Scan(...any) error }) (*Asset, error) {
	var (
		asset          Asset
		checksum       sql.NullString
		rawPath        sql.NullString
		normalizedPath sql.NullString
		metadata       sql.NullString
	)
	if err := row.Scan(
		&asset.ID, &asset.RunID, &asset.AssetKey, &asset.AssetType, &asset.SourceURL,
		&checksum, &asset.Status, &asset.CreatedAt, &asset.UpdatedAt,
		&asset.VersionCount, &rawPath, &normalizedPath, &metadata,
	); err != nil {
		return nil, err
	}
	asset.Checksum = stringOrEmpty(checksum)
	asset.LatestRawPath = stringOrEmpty(rawPath)
	asset.LatestNormalizedPath = stringOrEmpty(normalizedPath)
	asset.LatestMetadata = stringOrEmpty(metadata)
	return &asset, nil
}

// ListAssetsOptions filters and pages ListAssets. Empty strings disable the
// corresponding filter; URLPattern uses SQLite GLOB syntax.
type ListAssetsOptions struct {
	AssetType  string
	URLPattern string
	Limit      int
	Offset     int
}

// ListAssets returns a run's assets with latest-version info, newest first.
func (s *Store) ListAssets(ctx context.Context, runID int64, opts ListAssetsOptions) ([]Asset, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	rows, err := s.db.QueryContext(ctx, assetQuery+`
		WHERE a.run_id = ?
		  AND (? = '' OR a.asset_type = ?)
		  AND (? = '' OR a.asset_key GLOB ?)
		ORDER BY a.id DESC
		LIMIT ? OFFSET ?`,
		runID, opts.AssetType, opts.AssetType, opts.URLPattern, opts.URLPattern,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list assets for run %d: %w", runID, err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

// GetAsset returns one asset by id, nil when absent.
func (s *Store) GetAsset(ctx context.Context, assetID int64) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, assetQuery+` WHERE a.id = ?`, assetID)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %d: %w", assetID, err)
	}
	return asset, nil
}

// GetAssetByURL returns the most recently updated asset whose key equals
// url. A non-zero runID scopes the lookup to that run.
func (s *Store) GetAssetByURL(ctx context.Context, url string, runID int64) (*Asset, error) {
	query := assetQuery + ` WHERE a.asset_key = ?`
	args := []any{url}
	if runID != 0 {
		query += ` AND a.run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY a.updated_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset by url %q: %w", url, err)
	}
	return asset, nil
}

const assetVersionColumns = `id, asset_id, version, checksum, created_at,
	raw_path, normalized_path, metadata_json`

func scanAssetVersion(row interface{ Scan(...any) error }) (*AssetVersion, error) {
	var (
		version        AssetVersion
		rawPath        sql.NullString
		normalizedPath sql.NullString
		metadata       sql.NullString
	)
	if err := row.Scan(
		&version.ID, &version.AssetID, &version.Version, &version.Checksum,
		&version.CreatedAt, &rawPath, &normalizedPath, &metadata,
	); err != nil {
		return nil, err
	}
	version.RawPath = stringOrEmpty(rawPath)
	version.NormalizedPath = stringOrEmpty(normalizedPath)
	version.MetadataJSON = stringOrEmpty(metadata)
	return &version, nil
}

// GetAssetVersion fetches a specific version, or the latest when version is
// zero. Nil when the asset has no matching version.
func (s *Store) GetAssetVersion(ctx context.Context, assetID int64, version int) (*AssetVersion, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+assetVersionColumns+` FROM asset_versions WHERE asset_id = ? AND version = ?`,
			assetID, version,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+assetVersionColumns+` FROM asset_versions WHERE asset_id = ? ORDER BY version DESC LIMIT 1`,
			assetID,
		)
	}
	record, err := scanAssetVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d of asset %d: %w", version, assetID, err)
	}
	return record, nil
}

// GetAssetVersions returns every version of an asset, newest first.
func (s *Store) GetAssetVersions(ctx context.Context, assetID int64) ([]AssetVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetVersionColumns+` FROM asset_versions WHERE asset_id = ? ORDER BY version DESC`,
		assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("versions of asset %d: %w", assetID, err)
	}
	defer rows.Close()

	var versions []AssetVersion
	for rows.Next() {
		version, err := scanAssetVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *version)
	}
	return versions, rows.Err()
}
