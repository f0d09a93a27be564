package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Logger appends records to a JSONL file, one JSON object per line.
// Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	closed bool
}

var _ Sink = (*Logger)(nil)

// NewLogger opens (or creates) the audit log at path in append mode.
// The parent directory is created if it does not exist.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log %s: %w", path, err)
	}

	return &Logger{f: f, enc: json.NewEncoder(f)}, nil
}

// Record appends rec as one line.
func (l *Logger) Record(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit: logger already closed")
	}
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("audit: append record for session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Close syncs and closes the underlying file. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("audit: sync log: %w", err)
	}
	return l.f.Close()
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.f.Name()
}
