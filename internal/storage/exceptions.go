package storage

import (
	"context"
	"fmt"
)

// ExceptionInput carries the fields RecordException persists.
type ExceptionInput struct {
	Stage       string
	URL         string
	AssetKey    string
	Message     string
	ContextJSON string
}

// RecordException stores an open exception row for later triage and returns
// its id.
func (s *Store) RecordException(ctx context.Context, runID int64, input ExceptionInput) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO exceptions (run_id, stage, url, asset_key, message, context_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?)`,
		runID, input.Stage, nullable(input.URL), nullable(input.AssetKey),
		input.Message, nullable(input.ContextJSON), nowString(),
	)
	if err != nil {
		return 0, fmt.Errorf("record exception: %w", err)
	}
	return result.LastInsertId()
}

// ResolveException closes an open exception.
func (s *Store) ResolveException(ctx context.Context, exceptionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE exceptions SET status = 'resolved', resolved_at = ? WHERE id = ?`,
		nowString(), exceptionID,
	)
	if err != nil {
		return fmt.Errorf("resolve exception %d: %w", exceptionID, err)
	}
	return nil
}

// CountOpenExceptions returns the number of unresolved exceptions for a run.
func (s *Store) CountOpenExceptions(ctx context.Context, runID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exceptions WHERE run_id = ? AND status = 'open'`, runID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open exceptions: %w", err)
	}
	return count, nil
}
