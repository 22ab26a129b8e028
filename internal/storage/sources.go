package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
)

const sourceSummaryQuery = `
	SELECT r.source AS name,
	       COUNT(DISTINCT r.id) AS run_count,
	       COUNT(a.id) AS asset_count,
	       MAX(r.started_at) AS last_run_at,
	       (SELECT status FROM runs r2
	        WHERE r2.source = r.source
	        ORDER BY started_at DESC LIMIT 1) AS last_status
	FROM runs r
	LEFT JOIN assets a ON a.run_id = r.id
`

func scanSourceSummary(row interface{ Scan(...any) error }) (*SourceSummary, error) {
	var (
		summary    SourceSummary
		lastRunAt  sql.NullString
		lastStatus sql.NullString
	)
	if err := row.Scan(&summary.Name, &summary.RunCount, &summary.AssetCount, &lastRunAt, &lastStatus); err != nil {
		return nil, err
	}
	summary.LastRunAt = stringOrEmpty(lastRunAt)
	summary.LastStatus = stringOrEmpty(lastStatus)
	return &summary, nil
}

// ListSources returns one summary per crawled source, most recent first.
func (s *Store) ListSources(ctx context.Context) ([]SourceSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		sourceSummaryQuery+` GROUP BY r.source ORDER BY last_run_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var summaries []SourceSummary
	for rows.Next() {
		summary, err := scanSourceSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, rows.Err()
}

// GetSourceSummary returns the summary for one source, nil when the source
// has never run.
func (s *Store) GetSourceSummary(ctx context.Context, source string) (*SourceSummary, error) {
	row := s.db.QueryRowContext(ctx,
		sourceSummaryQuery+` WHERE r.source = ? GROUP BY r.source`, source,
	)
	summary, err := scanSourceSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summary for source %q: %w", source, err)
	}
	return summary, nil
}

// GetSourceStats returns run/asset/task breakdowns, the run timeline, and
// on-disk payload sizes for one source. Nil when the source has never run.
func (s *Store) GetSourceStats(ctx context.Context, source string) (*SourceStats, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM runs WHERE source = ? LIMIT 1`, source,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats for source %q: %w", source, err)
	}

	stats := &SourceStats{Name: source}

	stats.RunsByStatus, err = s.groupCounts(ctx,
		`SELECT status, COUNT(*) FROM runs WHERE source = ? GROUP BY status`, source)
	if err != nil {
		return nil, err
	}
	stats.AssetsByType, err = s.groupCounts(ctx, `
		SELECT a.asset_type, COUNT(*)
		FROM assets a JOIN runs r ON a.run_id = r.id
		WHERE r.source = ? GROUP BY a.asset_type`, source)
	if err != nil {
		return nil, err
	}
	stats.TasksByStatus, err = s.groupCounts(ctx, `
		SELECT t.status, COUNT(*)
		FROM crawl_tasks t JOIN runs r ON t.run_id = r.id
		WHERE r.source = ? GROUP BY t.status`, source)
	if err != nil {
		return nil, err
	}

	var (
		firstRunAt  sql.NullString
		lastRunAt   sql.NullString
		avgDuration sql.NullFloat64
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(started_at),
		       MAX(started_at),
		       AVG(CASE WHEN completed_at IS NOT NULL
		           THEN (julianday(completed_at) - julianday(started_at)) * 86400
		           ELSE NULL END)
		FROM runs
		WHERE source = ?`,
		source,
	).Scan(&firstRunAt, &lastRunAt, &avgDuration); err != nil {
		return nil, fmt.Errorf("run timeline for source %q: %w", source, err)
	}
	stats.FirstRunAt = stringOrEmpty(firstRunAt)
	stats.LastRunAt = stringOrEmpty(lastRunAt)
	if avgDuration.Valid {
		stats.AvgDurationSeconds = avgDuration.Float64
		stats.HasDuration = true
	}

	paths, err := s.payloadPathsForSource(ctx, source)
	if err != nil {
		return nil, err
	}
	for _, pair := range paths {
		if pair.raw != "" {
			if info, err := os.Stat(pair.raw); err == nil {
				stats.TotalRawBytes += info.Size()
			}
		}
		if pair.normalized != "" {
			if info, err := os.Stat(pair.normalized); err == nil {
				stats.TotalNormalizedBytes += info.Size()
			}
		}
	}
	return stats, nil
}

func (s *Store) groupCounts(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("group counts: %w", err)
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

type payloadPaths struct {
	raw        string
	normalized string
}

func (s *Store) payloadPathsForSource(ctx context.Context, source string) ([]payloadPaths, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT av.raw_path, av.normalized_path
		FROM asset_versions av
		JOIN assets a ON av.asset_id = a.id
		JOIN runs r ON a.run_id = r.id
		WHERE r.source = ?`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("payload paths for source %q: %w", source, err)
	}
	defer rows.Close()

	var paths []payloadPaths
	for rows.Next() {
		var raw, normalized sql.NullString
		if err := rows.Scan(&raw, &normalized); err != nil {
			return nil, err
		}
		paths = append(paths, payloadPaths{
			raw:        stringOrEmpty(raw),
			normalized: stringOrEmpty(normalized),
		})
	}
	return paths, rows.Err()
}

// GetAssetPathsForSource returns (asset, url, latest paths) tuples across a
// source, ordered by asset id. Used by content search over stored payloads.
func (s *Store) GetAssetPathsForSource(ctx context.Context, source string) ([]AssetPaths, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.asset_key, av.raw_path, av.normalized_path
		FROM assets a
		JOIN runs r ON a.run_id = r.id
		JOIN asset_versions av ON av.asset_id = a.id
		    AND av.version = (SELECT MAX(version) FROM asset_versions WHERE asset_id = a.id)
		WHERE r.source = ?
		ORDER BY a.id`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("asset paths for source %q: %w", source, err)
	}
	defer rows.Close()

	var result []AssetPaths
	for rows.Next() {
		var (
			entry      AssetPaths
			raw        sql.NullString
			normalized sql.NullString
		)
		if err := rows.Scan(&entry.AssetID, &entry.URL, &raw, &normalized); err != nil {
			return nil, err
		}
		entry.RawPath = stringOrEmpty(raw)
		entry.NormalizedPath = stringOrEmpty(normalized)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// ErrSourceRunning rejects destructive source operations while a run is
// still marked running.
var ErrSourceRunning = errors.New("source has runs in progress")

// DeleteSource removes every run, task, asset, version, and exception for a
// source, then deletes stored payload files best-effort. Refuses when any
// run is still running.
func (s *Store) DeleteSource(ctx context.Context, source string) (*DeleteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete source %q: %w", source, err)
	}
	defer tx.Rollback()

	var running int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE source = ? AND status = 'running'`, source,
	).Scan(&running); err != nil {
		return nil, fmt.Errorf("delete source %q: %w", source, err)
	}
	if running > 0 {
		return nil, fmt.Errorf("cannot delete %q: %d run(s) in progress: %w", source, running, ErrSourceRunning)
	}

	// Capture payload locations before the rows disappear.
	pathRows, err := tx.QueryContext(ctx, `
		SELECT av.raw_path, av.normalized_path
		FROM asset_versions av
		JOIN assets a ON av.asset_id = a.id
		JOIN runs r ON a.run_id = r.id
		WHERE r.source = ?`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("delete source %q: %w", source, err)
	}
	var paths []payloadPaths
	for pathRows.Next() {
		var raw, normalized sql.NullString
		if err := pathRows.Scan(&raw, &normalized); err != nil {
			pathRows.Close()
			return nil, err
		}
		paths = append(paths, payloadPaths{
			raw:        stringOrEmpty(raw),
			normalized: stringOrEmpty(normalized),
		})
	}
	if err := pathRows.Err(); err != nil {
		pathRows.Close()
		return nil, err
	}
	pathRows.Close()

	result := &DeleteResult{}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE source = ?`, source,
	).Scan(&result.RunsDeleted); err != nil {
		return nil, err
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assets a
		JOIN runs r ON a.run_id = r.id
		WHERE r.source = ?`, source,
	).Scan(&result.AssetsDeleted); err != nil {
		return nil, err
	}

	statements := []string{
		`DELETE FROM asset_versions
		 WHERE asset_id IN (
		     SELECT a.id FROM assets a
		     JOIN runs r ON a.run_id = r.id
		     WHERE r.source = ?)`,
		`DELETE FROM assets
		 WHERE run_id IN (SELECT id FROM runs WHERE source = ?)`,
		`DELETE FROM crawl_tasks
		 WHERE run_id IN (SELECT id FROM runs WHERE source = ?)`,
		`DELETE FROM exceptions
		 WHERE run_id IN (SELECT id FROM runs WHERE source = ?)`,
		`DELETE FROM runs WHERE source = ?`,
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement, source); err != nil {
			return nil, fmt.Errorf("delete source %q: %w", source, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete source %q: %w", source, err)
	}

	for _, pair := range paths {
		for _, path := range []string{pair.raw, pair.normalized} {
			if path == "" {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if err := os.Remove(path); err == nil {
				result.FilesDeleted++
				result.BytesFreed += info.Size()
			}
		}
	}
	return result, nil
}
