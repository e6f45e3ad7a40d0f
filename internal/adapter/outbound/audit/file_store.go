// Package audit provides the audit.Store adapters: an append-only JSON
// Lines file and an optional SQLite database.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latch-dev/latch/internal/domain/audit"
)

// FileName is the JSON Lines audit file inside the data directory.
const FileName = "audit.jsonl"

// FileStore implements audit.Store over a single JSON Lines file. Every
// entry is written with one write(2) on an O_APPEND descriptor, so the hook
// and proxy processes can append to the same file concurrently.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ audit.Store = (*FileStore)(nil)

// NewFileStore returns a store writing to dir/audit.jsonl, creating dir
// with 0700 permissions when missing.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileStore{
		path:   filepath.Join(dir, FileName),
		logger: logger,
	}, nil
}

// Path returns the audit file location.
func (s *FileStore) Path() string {
	return s.path
}

// Append fills in a missing id and timestamp and writes the entry as one
// line.
func (s *FileStore) Append(_ context.Context, entry audit.Entry) error {
	stamp(&entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line := append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit entry: %w", err)
	}
	return f.Close()
}

// Read returns entries newest first. Malformed and incomplete lines are
// skipped.
func (s *FileStore) Read(_ context.Context, opts audit.ReadOptions) ([]audit.Entry, error) {
	opts = opts.Normalize()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if opts.Offset >= len(all) {
		return []audit.Entry{}, nil
	}

	// Walk backwards from the newest entry.
	start := len(all) - 1 - opts.Offset
	out := make([]audit.Entry, 0, min(opts.Limit, start+1))
	for i := start; i >= 0 && len(out) < opts.Limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Stats aggregates every readable entry in the file.
func (s *FileStore) Stats(_ context.Context) (audit.Stats, error) {
	all, err := s.readAll()
	if err != nil {
		return audit.Stats{}, err
	}
	stats := audit.NewStats()
	for _, e := range all {
		stats.Add(e)
	}
	return stats, nil
}

// Close is a no-op; the file is opened per append.
func (s *FileStore) Close() error {
	return nil
}

// readAll returns entries in file (oldest first) order.
func (s *FileStore) readAll() ([]audit.Entry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []audit.Entry
	skipped := 0
	// Lines have no length cap; a tool input of any size stays readable.
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e audit.Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil || !e.Valid() {
				skipped++
			} else {
				entries = append(entries, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read audit file: %w", err)
		}
	}
	if skipped > 0 {
		s.logger.Debug("skipped unreadable audit lines", "file", s.path, "count", skipped)
	}
	return entries, nil
}

func stamp(e *audit.Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
