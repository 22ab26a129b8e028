package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a configuration string onto a Level. "warn" and "warning"
// are synonyms; "critical" collapses into error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "critical":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

const (
	defaultLogName = "sitesync.log"
	maxLogSize     = 2 << 20 // rotate past 2 MB
	maxLogBackups  = 5
)

// ResolveLogPath turns a configured logging path into a concrete file path.
// A directory (existing, or suffix-less) gets the default file name appended.
func ResolveLogPath(path string) string {
	if path == "" {
		return defaultLogName
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, defaultLogName)
	}
	if filepath.Ext(path) == "" {
		return filepath.Join(path, defaultLogName)
	}
	return path
}

// FileLogger writes leveled, timestamped lines to a file, rotating it once it
// grows past maxLogSize. Safe for concurrent use.
type FileLogger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	size  int64
	level Level
}

// NewFileLogger opens (or creates) the log file at path.
func NewFileLogger(path string, level Level) (*FileLogger, error) {
	path = ResolveLogPath(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	size := int64(0)
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}
	return &FileLogger{file: file, path: path, size: size, level: level}, nil
}

// SetLevel adjusts the minimum level emitted.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Path returns the resolved log file path.
func (l *FileLogger) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *FileLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.file == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		level.String(),
		fmt.Sprintf(format, args...))
	if l.size+int64(len(line)) > maxLogSize {
		l.rotate()
	}
	n, err := l.file.WriteString(line)
	if err == nil {
		l.size += int64(n)
	}
}

// rotate shifts sitesync.log → sitesync.log.1 → … → sitesync.log.5, then
// reopens a fresh file. Called with l.mu held.
func (l *FileLogger) rotate() {
	_ = l.file.Close()
	_ = os.Remove(fmt.Sprintf("%s.%d", l.path, maxLogBackups))
	for i := maxLogBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	_ = os.Rename(l.path, l.path+".1")
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.file = nil
		l.size = 0
		return
	}
	l.file = file
	l.size = 0
}

// WriterLogger emits leveled lines to an arbitrary writer. Used for console
// echo and tests.
type WriterLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// NewWriterLogger wraps w with level filtering.
func NewWriterLogger(w io.Writer, level Level) *WriterLogger {
	return &WriterLogger{out: w, level: level}
}

func (l *WriterLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *WriterLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *WriterLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *WriterLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *WriterLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level || l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "%s %s\n", level.String(), fmt.Sprintf(format, args...))
}
