package persist

import (
	"context"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used when no database DSN is
// configured. Records do not survive a restart; development and tests only.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionRecord
	turns     map[string][]TurnRecord
	summaries map[string]SummaryRecord
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]SessionRecord),
		turns:     make(map[string][]TurnRecord),
		summaries: make(map[string]SummaryRecord),
	}
}

// PutSession seeds an admission record. In production the learning platform
// writes these; here the caller does.
func (m *MemoryStore) PutSession(rec SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = rec
}

// LoadSession implements [Store].
func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

// SaveTurn implements [Store].
func (m *MemoryStore) SaveTurn(_ context.Context, rec TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[rec.SessionID] = append(m.turns[rec.SessionID], rec)
	return nil
}

// SaveSummary implements [Store].
func (m *MemoryStore) SaveSummary(_ context.Context, rec SummaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[rec.SessionID] = rec
	return nil
}

// Turns returns the stored turns for a session, oldest first.
func (m *MemoryStore) Turns(sessionID string) []TurnRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TurnRecord, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out
}

// Summary returns the stored summary for a session, if any.
func (m *MemoryStore) Summary(sessionID string) (SummaryRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.summaries[sessionID]
	return rec, ok
}

// Ping implements [Store].
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *MemoryStore) Close() {}
