package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const runColumns = "id, source, status, started_at, completed_at, label"

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var (
		run         Run
		completedAt sql.NullString
		label       sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Source, &run.Status, &run.StartedAt, &completedAt, &label); err != nil {
		return nil, err
	}
	run.CompletedAt = stringOrEmpty(completedAt)
	run.Label = stringOrEmpty(label)
	return &run, nil
}

// StartRun creates a new run in the initialized state.
func (s *Store) StartRun(ctx context.Context, source, label string) (*Run, error) {
	startedAt := nowString()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (source, status, started_at, label) VALUES (?, ?, ?, ?)`,
		source, RunStatusInitialized, startedAt, nullable(label),
	)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &Run{
		ID:        id,
		Source:    source,
		Status:    RunStatusInitialized,
		StartedAt: startedAt,
		Label:     label,
	}, nil
}

// ResumeRun returns the most recent non-completed run for a source, or nil
// when every run already finished.
func (s *Store) ResumeRun(ctx context.Context, source string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE source = ? AND status IN ('initialized', 'running', 'stopped')
		ORDER BY started_at DESC
		LIMIT 1`,
		source,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume run for %q: %w", source, err)
	}
	return run, nil
}

// MarkRunStatus updates a run's status; completed additionally stamps
// completed_at.
func (s *Store) MarkRunStatus(ctx context.Context, runID int64, status string, completed bool) error {
	var err error
	if completed {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
			status, nowString(), runID,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ? WHERE id = ?`,
			status, runID,
		)
	}
	if err != nil {
		return fmt.Errorf("mark run %d %s: %w", runID, status, err)
	}
	return nil
}

// GetRun returns a run by id, failing when it does not exist.
func (s *Store) GetRun(ctx context.Context, runID int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", runID, err)
	}
	return run, nil
}

// ListRecentRuns returns runs ordered by start time descending, optionally
// restricted to one source.
func (s *Store) ListRecentRuns(ctx context.Context, limit int, source string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetLatestRun returns the most recent run for a source, optionally limited
// to the given statuses. Nil when the source has no matching run.
func (s *Store) GetLatestRun(ctx context.Context, source string, statuses ...string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE source = ?`
	args := []any{source}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += ` AND status IN (` + placeholders + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %q: %w", source, err)
	}
	return run, nil
}
