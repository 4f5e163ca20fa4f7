// Package runlog keeps the persistent trail of what a run did to which
// tenant. Lines are plain text with a local timestamp so the file can be
// read and grepped without tooling.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const stampFormat = "2006-01-02 15:04:05"

type Log struct {
	file *os.File
	mu   sync.Mutex
}

// Open opens (or creates) the run log for appending.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create log directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}

	return &Log{file: file}, nil
}

// Logf appends one timestamped line. Safe for concurrent use so lines
// from parallel tenant workers never interleave.
func (l *Log) Logf(format string, a ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s\n", time.Now().Format(stampFormat), fmt.Sprintf(format, a...))
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("could not write log entry: %w", err)
	}
	return l.file.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
