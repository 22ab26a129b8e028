// Package storage persists crawl state in SQLite: runs, the durable task
// queue, versioned assets, and exception records. All timestamps are stored
// as UTC text in a fixed-width ISO layout so string comparison in SQL
// matches chronological order.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TimeLayout is the canonical timestamp format for every stored time value.
// Fixed-width microseconds keep lexicographic and chronological order equal.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Task status values.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusFinished   = "finished"
	TaskStatusError      = "error"
)

// Run status values.
const (
	RunStatusInitialized = "initialized"
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusStopped     = "stopped"
)

// Task type values.
const (
	TaskTypePage  = "page"
	TaskTypeMedia = "media"
)

// Store wraps a single SQLite database file.
type Store struct {
	path string
	db   *sql.DB
}

// Open creates the parent directory if needed and opens the database. The
// connection pool is capped at one connection and transactions start in
// immediate mode, which serializes writers instead of surfacing busy errors.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{path: path, db: db}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func nowString() string {
	return formatTime(time.Now())
}

// nullable maps the empty string to SQL NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
