package vectorindex

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/voxmind/searchsync/internal/model"
)

// Memory is an in-process Writer used by tests and local development.
// It applies the same version guard as the pgvector implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]model.IndexEntry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]model.IndexEntry)}
}

// Upsert implements Writer.
func (m *Memory) Upsert(_ context.Context, entry model.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[entry.EntityID]; ok && cur.SourceVersion > entry.SourceVersion {
		return nil
	}
	cp := entry
	cp.Vector = append([]float32(nil), entry.Vector...)
	cp.Payload = maps.Clone(entry.Payload)
	m.entries[entry.EntityID] = cp
	return nil
}

// Delete implements Writer.
func (m *Memory) Delete(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entityID)
	return nil
}

// Get implements Writer.
func (m *Memory) Get(_ context.Context, entityID string) (*model.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := entry
	return &cp, nil
}

// Scan implements Writer.
func (m *Memory) Scan(_ context.Context, afterID string, limit int) ([]EntryMeta, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EntryMeta, 0, len(ids))
	for _, id := range ids {
		if entry, ok := m.entries[id]; ok {
			out = append(out, EntryMeta{EntityID: id, SourceVersion: entry.SourceVersion})
		}
	}
	return out, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
