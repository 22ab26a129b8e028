package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueSeedTasks inserts pending tasks for the given URLs, ignoring any
// URL already queued for the run. Returns the number of rows inserted.
func (s *Store) EnqueueSeedTasks(ctx context.Context, runID int64, seeds []Seed, taskType string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	if taskType == "" {
		taskType = TaskTypePage
	}
	now := nowString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue seeds: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO crawl_tasks (
		    run_id, url, depth, task_type, created_at, updated_at, next_run_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("enqueue seeds: %w", err)
	}
	defer stmt.Close()

	queued := 0
	for _, seed := range seeds {
		result, err := stmt.ExecContext(ctx, runID, seed.URL, seed.Depth, taskType, now, now, now)
		if err != nil {
			return 0, fmt.Errorf("enqueue seed %q: %w", seed.URL, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		queued += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue seeds: %w", err)
	}
	return queued, nil
}

// AcquireTasks reclaims expired leases and claims up to Limit runnable
// pending tasks for the caller, all in one transaction.
//
// Expired leases whose next attempt would exceed MaxRetries move to the
// error state; the rest return to pending with Backoff applied. Claiming a
// task does not touch its attempt count; only outcomes do.
func (s *Store) AcquireTasks(ctx context.Context, runID int64, opts AcquireOptions) ([]Task, error) {
	now := time.Now().UTC()
	nowStr := formatTime(now)
	leaseStr := formatTime(now.Add(opts.LeaseDuration))
	nextRunStr := formatTime(now.Add(opts.Backoff))
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire tasks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'error',
		    attempt_count = attempt_count + 1,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    last_error = 'lease expired',
		    updated_at = ?
		WHERE run_id = ?
		  AND status = 'in_progress'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?
		  AND attempt_count + 1 > ?`,
		nowStr, nowStr, runID, nowStr, maxRetries,
	); err != nil {
		return nil, fmt.Errorf("expire exhausted leases: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'pending',
		    attempt_count = attempt_count + 1,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    last_error = 'lease expired',
		    updated_at = ?
		WHERE run_id = ?
		  AND status = 'in_progress'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?
		  AND attempt_count + 1 <= ?`,
		nextRunStr, nowStr, runID, nowStr, maxRetries,
	); err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, url, depth, attempt_count, next_run_at, task_type
		FROM crawl_tasks
		WHERE run_id = ?
		  AND status = 'pending'
		  AND next_run_at <= ?
		ORDER BY priority DESC, id ASC
		LIMIT ?`,
		runID, nowStr, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending tasks: %w", err)
	}

	var tasks []Task
	for rows.Next() {
		task := Task{
			RunID:          runID,
			Status:         TaskStatusInProgress,
			LeaseOwner:     opts.LeaseOwner,
			LeaseExpiresAt: leaseStr,
		}
		if err := rows.Scan(&task.ID, &task.URL, &task.Depth, &task.AttemptCount, &task.NextRunAt, &task.TaskType); err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE crawl_tasks
			SET status = 'in_progress',
			    lease_owner = ?,
			    lease_expires_at = ?,
			    updated_at = ?
			WHERE id = ?`,
			opts.LeaseOwner, leaseStr, nowStr, task.ID,
		); err != nil {
			return nil, fmt.Errorf("claim task %d: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("acquire tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask marks a task finished and clears its lease. A late completion
// after the lease expired still writes through; the last writer wins.
func (s *Store) CompleteTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'finished', lease_owner = NULL, lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ?`,
		nowString(), taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	return nil
}

// FailTask records a failed attempt. When the incremented attempt count
// reaches maxRetries the task moves to the error state, otherwise it
// returns to pending with the backoff applied. A maxRetries of zero fails
// the task immediately.
func (s *Store) FailTask(ctx context.Context, taskID int64, message string, backoff time.Duration, maxRetries int) error {
	now := time.Now().UTC()
	nowStr := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", taskID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'error',
		    attempt_count = attempt_count + 1,
		    last_error = ?,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND attempt_count + 1 >= ?`,
		message, nowStr, nowStr, taskID, maxRetries,
	); err != nil {
		return fmt.Errorf("fail task %d: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'pending',
		    attempt_count = attempt_count + 1,
		    last_error = ?,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status != 'error'`,
		message, formatTime(now.Add(backoff)), nowStr, taskID,
	); err != nil {
		return fmt.Errorf("fail task %d: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail task %d: %w", taskID, err)
	}
	return nil
}

// MarkTaskError fails a task permanently, counting the attempt.
func (s *Store) MarkTaskError(ctx context.Context, taskID int64, message string) error {
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'error',
		    attempt_count = attempt_count + 1,
		    last_error = ?,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		message, now, now, taskID,
	)
	if err != nil {
		return fmt.Errorf("mark task %d error: %w", taskID, err)
	}
	return nil
}

// ReleaseTask returns an in-progress task to pending without counting the
// attempt, making it immediately runnable again.
func (s *Store) ReleaseTask(ctx context.Context, taskID int64, reason string) error {
	now := nowString()
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'pending',
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ?`,
		now, reason, now, taskID,
	)
	if err != nil {
		return fmt.Errorf("release task %d: %w", taskID, err)
	}
	return nil
}

// ReleaseInProgressTasks returns every in-progress task of a run to pending
// and reports how many were released. Used on shutdown.
func (s *Store) ReleaseInProgressTasks(ctx context.Context, runID int64, reason string) (int64, error) {
	now := nowString()
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_tasks
		SET status = 'pending',
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    next_run_at = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE run_id = ?
		  AND status = 'in_progress'`,
		now, reason, now, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("release in-progress tasks: %w", err)
	}
	return result.RowsAffected()
}

// CountPendingTasks returns the number of pending tasks for a run.
func (s *Store) CountPendingTasks(ctx context.Context, runID int64) (int, error) {
	return s.countTasks(ctx,
		`SELECT COUNT(*) FROM crawl_tasks WHERE run_id = ? AND status = 'pending'`, runID)
}

// CountActiveTasks returns the number of tasks still pending or leased.
func (s *Store) CountActiveTasks(ctx context.Context, runID int64) (int, error) {
	return s.countTasks(ctx, `
		SELECT COUNT(*) FROM crawl_tasks
		WHERE run_id = ? AND status IN ('pending', 'in_progress')`, runID)
}

func (s *Store) countTasks(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// GetTaskStatusCounts groups a run's tasks by status.
func (s *Store) GetTaskStatusCounts(ctx context.Context, runID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM crawl_tasks WHERE run_id = ? GROUP BY status`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("task status counts: %w", err)
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

// CountTasksByStatusForSource aggregates task counts across every run of a
// source.
func (s *Store) CountTasksByStatusForSource(ctx context.Context, source string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ct.status, COUNT(*)
		FROM crawl_tasks AS ct
		JOIN runs AS r ON r.id = ct.run_id
		WHERE r.source = ?
		GROUP BY ct.status`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("task counts for source %q: %w", source, err)
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

func scanStatusCounts(rows *sql.Rows) (map[string]int, error) {
	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ListTasksForRun pages through a run's tasks, newest first, optionally
// filtered by status.
func (s *Store) ListTasksForRun(ctx context.Context, runID int64, status string, limit, offset int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, depth, status, attempt_count, lease_owner,
		       lease_expires_at, next_run_at, last_error, task_type
		FROM crawl_tasks
		WHERE run_id = ?
		  AND (? = '' OR status = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		runID, status, status, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %d: %w", runID, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			task           Task
			leaseOwner     sql.NullString
			leaseExpiresAt sql.NullString
			lastError      sql.NullString
		)
		task.RunID = runID
		if err := rows.Scan(
			&task.ID, &task.URL, &task.Depth, &task.Status, &task.AttemptCount,
			&leaseOwner, &leaseExpiresAt, &task.NextRunAt, &lastError, &task.TaskType,
		); err != nil {
			return nil, err
		}
		task.LeaseOwner = stringOrEmpty(leaseOwner)
		task.LeaseExpiresAt = stringOrEmpty(leaseExpiresAt)
		task.LastError = stringOrEmpty(lastError)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTask returns a single task row. Nil when it does not exist.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, url, depth, status, attempt_count, lease_owner,
		       lease_expires_at, next_run_at, last_error, task_type
		FROM crawl_tasks
		WHERE id = ?`,
		taskID,
	)
	var (
		task           Task
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullString
		lastError      sql.NullString
	)
	err := row.Scan(
		&task.ID, &task.RunID, &task.URL, &task.Depth, &task.Status, &task.AttemptCount,
		&leaseOwner, &leaseExpiresAt, &task.NextRunAt, &lastError, &task.TaskType,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	task.LeaseOwner = stringOrEmpty(leaseOwner)
	task.LeaseExpiresAt = stringOrEmpty(leaseExpiresAt)
	task.LastError = stringOrEmpty(lastError)
	return &task, nil
}
