// Package mock provides a configurable in-memory double for persist.Store
// that records every call for assertion in tests.
package mock

import (
	"context"
	"sync"

	"github.com/tandemly/voicerelay/internal/persist"
)

var _ persist.Store = (*Store)(nil)

// Store is a test double for [persist.Store]. Configure the return values,
// then assert against the recorded calls. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// Sessions maps session ids to the record LoadSession returns.
	Sessions map[string]persist.SessionRecord

	// LoadErr, SaveTurnErr, SaveSummaryErr and PingErr force failures.
	LoadErr        error
	SaveTurnErr    error
	SaveSummaryErr error
	PingErr        error

	// Recorded calls.
	LoadedIDs   []string
	SavedTurns  []persist.TurnRecord
	Summaries   []persist.SummaryRecord
	CloseCalled bool
}

// LoadSession implements [persist.Store].
func (m *Store) LoadSession(_ context.Context, sessionID string) (*persist.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadedIDs = append(m.LoadedIDs, sessionID)
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	rec, ok := m.Sessions[sessionID]
	if !ok {
		return nil, persist.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

// SaveTurn implements [persist.Store].
func (m *Store) SaveTurn(_ context.Context, rec persist.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveTurnErr != nil {
		return m.SaveTurnErr
	}
	m.SavedTurns = append(m.SavedTurns, rec)
	return nil
}

// SaveSummary implements [persist.Store].
func (m *Store) SaveSummary(_ context.Context, rec persist.SummaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveSummaryErr != nil {
		return m.SaveSummaryErr
	}
	m.Summaries = append(m.Summaries, rec)
	return nil
}

// Ping implements [persist.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Close implements [persist.Store].
func (m *Store) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled = true
}

// Turns returns a snapshot of the recorded SaveTurn calls.
func (m *Store) Turns() []persist.TurnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]persist.TurnRecord, len(m.SavedTurns))
	copy(out, m.SavedTurns)
	return out
}

// SavedTurnCount returns the number of recorded SaveTurn calls.
func (m *Store) SavedTurnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SavedTurns)
}

// LastSummary returns the most recent recorded summary, if any.
func (m *Store) LastSummary() (persist.SummaryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Summaries) == 0 {
		return persist.SummaryRecord{}, false
	}
	return m.Summaries[len(m.Summaries)-1], true
}
