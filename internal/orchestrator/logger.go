// Package orchestrator composes the token bucket manager, agent
// registry, lifecycle FSM, message bus, region partitioner, and workflow
// engine behind the single entry point described in spec.md §4.6.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger is a thread-safe, file-backed logger. A zero-value or
// empty-path logger is a safe no-op, so components can hold one
// unconditionally instead of nil-checking a *log.Logger at every call
// site.
//
// Grounded on internal/orchestrator/logger.go in the teacher repo;
// generalized to drop the repo-path-specific constructor since this core
// has no notion of a working repository.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewDebugLogger creates a logger appending to logPath, creating parent
// directories as needed. An empty path returns a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if dir := filepath.Dir(logPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{file: f}
	l.Log("=== orchestrator log started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// NopLogger returns a no-op logger, for tests or disabled logging.
func NopLogger() *DebugLogger { return &DebugLogger{} }

// Log writes a timestamped line. Safe to call on a nil or fileless logger.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
	_ = l.file.Sync()
}

// Close closes the underlying file. Safe to call on a nil or fileless logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
