// Package filestore persists the ledger as a JSON-lines file.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucasnoah/stagegate/internal/fileutil"
	"github.com/lucasnoah/stagegate/internal/ledger"
)

// Store appends one JSON line per entry and keeps an in-memory index for
// scans. A torn trailing line left by a crash is truncated on open.
type Store struct {
	mu      sync.RWMutex
	path    string
	f       *os.File
	entries []ledger.Entry
	byItem  map[string][]int
}

// Open opens or creates the ledger file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if err := repairTail(path); err != nil {
		return nil, err
	}

	s := &Store{path: path, byItem: make(map[string][]int)}
	if data, err := os.ReadFile(path); err == nil {
		entries, err := ledger.ReadLines(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		for _, e := range entries {
			s.index(e)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s.f = f
	return s, nil
}

// repairTail drops a final line that was not terminated by a newline.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := f.Truncate(int64(keep)); err != nil {
		return fmt.Errorf("truncate torn entry in %s: %w", path, err)
	}
	return nil
}

func (s *Store) index(e ledger.Entry) {
	s.entries = append(s.entries, e)
	s.byItem[e.WorkItemID] = append(s.byItem[e.WorkItemID], len(s.entries)-1)
}

// Path returns the ledger file location.
func (s *Store) Path() string { return s.path }

func (s *Store) Append(_ context.Context, e ledger.Entry) error {
	line, err := ledger.MarshalEntry(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("ledger file %s is closed", s.path)
	}
	if n := len(s.entries); n > 0 && e.Seq <= s.entries[n-1].Seq {
		return fmt.Errorf("sequence %d not after %d", e.Seq, s.entries[n-1].Seq)
	}
	if err := fileutil.AppendLine(s.f, line); err != nil {
		return err
	}
	// Re-decode so scans return exactly what a reopened store would.
	stored, err := ledger.ParseEntry(line)
	if err != nil {
		return err
	}
	s.index(stored)
	return nil
}

func (s *Store) ScanItem(_ context.Context, workItemID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byItem[workItemID]
	out := make([]ledger.Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i].Clone())
	}
	return out, nil
}

func (s *Store) ScanAll(_ context.Context) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *Store) LastSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.entries[len(s.entries)-1].Seq, nil
}

// Snapshot atomically writes the whole ledger to path.
func (s *Store) Snapshot(path string) error {
	entries, _ := s.ScanAll(context.Background())
	var buf bytes.Buffer
	if err := ledger.WriteLines(&buf, entries); err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, buf.Bytes(), 0o644)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
