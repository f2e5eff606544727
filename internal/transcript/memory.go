package transcript

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/internal/session"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process [Store]. Its contents are lost on exit.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	fragments map[string][]session.Fragment
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]SessionRecord),
		fragments: make(map[string][]session.Fragment),
	}
}

// UpsertSession implements [Store].
func (m *MemoryStore) UpsertSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[rec.ID]; ok {
		rec.StartedAt = old.StartedAt
		if rec.Error == "" {
			rec.Error = old.Error
		}
	}
	m.sessions[rec.ID] = rec
	return nil
}

// AppendFragment implements [Store].
func (m *MemoryStore) AppendFragment(_ context.Context, sessionID string, f session.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments[sessionID] = append(m.fragments[sessionID], f)
	return nil
}

// Fragments implements [Store].
func (m *MemoryStore) Fragments(_ context.Context, sessionID string) ([]session.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frags, hasFrags := m.fragments[sessionID]
	if _, ok := m.sessions[sessionID]; !ok && !hasFrags {
		return nil, ErrNotFound
	}
	out := slices.Clone(frags)
	if out == nil {
		out = []session.Fragment{}
	}
	return out, nil
}

// Sessions implements [Store].
func (m *MemoryStore) Sessions(_ context.Context, limit int) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b SessionRecord) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (m *MemoryStore) Close() error { return nil }
