package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger is an append-only log file usable as an io.Writer. Each Write
// is one zerolog JSON line. Safe for concurrent use.
type FileLogger struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending. Missing parent directories are
// created.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{path: path, file: file}, nil
}

// Path returns the file the logger appends to.
func (l *FileLogger) Path() string { return l.path }

// Write appends p. Writes after Close are dropped without error so a
// logger shared across goroutines never fails during shutdown.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return len(p), nil
	}
	return l.file.Write(p)
}

// Close closes the file. Repeated calls are no-ops.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
