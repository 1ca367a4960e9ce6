package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byItem  map[string][]int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byItem: make(map[string][]int)}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.entries); n > 0 && e.Seq <= m.entries[n-1].Seq {
		return fmt.Errorf("sequence %d not after %d", e.Seq, m.entries[n-1].Seq)
	}
	m.entries = append(m.entries, e.Clone())
	m.byItem[e.WorkItemID] = append(m.byItem[e.WorkItemID], len(m.entries)-1)
	return nil
}

func (m *MemoryStore) ScanItem(_ context.Context, workItemID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byItem[workItemID]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.entries[i].Clone())
	}
	return out, nil
}

func (m *MemoryStore) ScanAll(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Clone()
	}
	return out, nil
}

func (m *MemoryStore) LastSeq(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].Seq, nil
}

func (m *MemoryStore) Close() error { return nil }
