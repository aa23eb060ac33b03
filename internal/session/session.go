// Package session holds the per-session mutable state: configuration, the
// state-machine slot, the turn log, the audio ring buffer, and metrics.
//
// A Session is owned by the supervisor for its entire lifetime. The relay
// core, watchdog, and stats collector operate on it through the exported
// methods, each of which is atomic under the session lock. Compound
// mutate-then-emit sequences are additionally serialized by the relay's own
// per-session discipline, which keeps the control messages about turn N from
// interleaving with those about turn N+1.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/tandemly/voicerelay/internal/assess"
	"github.com/tandemly/voicerelay/internal/protocol"
)

// Session is one live voice conversation: one learner, one agent, one
// learner socket, one upstream socket.
type Session struct {
	// Immutable identifiers; no synchronisation required for reads.
	ID        string
	TenantID  string
	LearnerID string
	AgentID   string

	mu           sync.Mutex
	cfg          Config
	state        State
	current      *Turn
	turns        []Turn
	ring         *ring
	metrics      Metrics
	startedAt    time.Time
	lastActivity time.Time
}

// New creates a session record in the connecting state.
func New(id, tenantID, learnerID, agentID string, cfg Config, ringCapBytes int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		TenantID:     tenantID,
		LearnerID:    learnerID,
		AgentID:      agentID,
		cfg:          cfg,
		state:        StateConnecting,
		ring:         newRing(ringCapBytes),
		startedAt:    now,
		lastActivity: now,
	}
}

// ─── State machine ──────────────────────────────────────────────────────────

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the target state if the move is legal.
// It is the only way any component assigns state. Same-state moves report
// false so callers do not re-announce an unchanged state.
func (s *Session) Transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == s.state || !canTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// Closed reports whether the session reached its terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// mutableLocked reports whether the session still accepts mutations. Once
// teardown begins every mutator is a no-op. Callers hold s.mu.
func (s *Session) mutableLocked() bool {
	return s.state != StateEnding && s.state != StateClosed
}

// ─── Activity & timing ──────────────────────────────────────────────────────

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// ─── Configuration ──────────────────────────────────────────────────────────

// Config returns a copy of the effective configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ApplyTunable clamps and applies the live-tunable subset, returning the
// effective configuration after the update.
func (s *Session) ApplyTunable(t *protocol.TunableConfig) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mutableLocked() {
		s.cfg.applyTunable(t)
	}
	return s.cfg
}

// SetSampleRate adjusts the negotiated sample rate when the upstream
// declares a different one mid-session.
func (s *Session) SetSampleRate(hz int) {
	if hz <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.cfg.SampleRate = hz
}

// ─── Turn tracking ──────────────────────────────────────────────────────────

// StartTurn opens a turn for speaker. If a turn for the other speaker is
// open it is finalized first and returned as closed. When the open turn
// already belongs to speaker, StartTurn is a no-op and returns (nil, nil).
func (s *Session) StartTurn(speaker protocol.Speaker) (closed, opened *Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mutableLocked() {
		return nil, nil
	}
	if s.current != nil {
		if s.current.Speaker == speaker {
			return nil, nil
		}
		closed = s.finalizeCurrentLocked()
	}
	s.current = newTurn(speaker, len(s.turns)+1, time.Now())
	openedCopy := *s.current
	return closed, &openedCopy
}

// AppendPartial adds a transcript fragment to the open turn. The fragment is
// ignored when no turn is open or the open turn belongs to another speaker —
// the relay is expected to have opened the correct turn already.
func (s *Session) AppendPartial(speaker protocol.Speaker, text, language string) (*Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mutableLocked() || s.current == nil || s.current.Speaker != speaker {
		return nil, false
	}
	if text != "" {
		s.current.Partials = append(s.current.Partials, text)
	}
	if language != "" {
		s.current.Language = language
	}
	cp := *s.current
	return &cp, true
}

// EndCurrentTurn finalizes and logs the open turn, returning a copy.
// No-op when no turn is open. Unlike the other mutators it still works
// while ending, so teardown can close the final turn.
func (s *Session) EndCurrentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	return s.finalizeCurrentLocked()
}

// finalizeCurrentLocked stamps EndedAt, accumulates speaking time, joins the
// final transcript, and appends to the turn log. Callers hold s.mu.
func (s *Session) finalizeCurrentLocked() *Turn {
	if s.current == nil {
		return nil
	}
	t := s.current
	t.EndedAt = time.Now()
	t.FinalTranscript = t.transcript()

	durMs := t.EndedAt.Sub(t.StartedAt).Milliseconds()
	switch t.Speaker {
	case protocol.SpeakerLearner:
		s.metrics.LearnerSpeakingMs += durMs
	case protocol.SpeakerAgent:
		s.metrics.AgentSpeakingMs += durMs
	}
	s.metrics.TurnCount++

	s.turns = append(s.turns, *t)
	s.current = nil

	cp := *t
	return &cp
}

// CurrentTurn returns a copy of the open turn, or nil.
func (s *Session) CurrentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Turns returns a snapshot of the completed turn log.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// SetAssessment attaches an assessment result to the logged turn with the
// given id. Returns false when the turn is not in the log.
func (s *Session) SetAssessment(turnID string, res assess.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	for i := range s.turns {
		if s.turns[i].ID == turnID {
			r := res
			s.turns[i].Assessment = &r
			return true
		}
	}
	return false
}

// ─── Audio ring buffer ──────────────────────────────────────────────────────

// BufferAudio retains a bounded copy of a learner audio chunk for the next
// pronunciation assessment.
func (s *Session) BufferAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.ring.append(chunk)
}

// DrainAudio concatenates and clears the buffered audio.
func (s *Session) DrainAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.drain()
}

// BufferedBytes returns the current ring size.
func (s *Session) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len()
}

// ─── Metrics ────────────────────────────────────────────────────────────────

// AddBytesReceived accumulates learner → upstream audio volume.
func (s *Session) AddBytesReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.metrics.BytesReceived += int64(n)
}

// AddBytesSent accumulates upstream → learner audio volume. The count
// reflects what was handed to the socket, not what was acknowledged.
func (s *Session) AddBytesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.metrics.BytesSent += int64(n)
}

// RecordLatency stores one ping round-trip sample.
func (s *Session) RecordLatency(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.metrics.recordLatency(ms)
}

// RecordError stores one bounded error-log entry.
func (s *Session) RecordError(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.metrics.recordError(code, message, time.Now())
}

// IncReconnects counts an upstream redial attempt.
func (s *Session) IncReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mutableLocked() {
		return
	}
	s.metrics.ReconnectAttempts++
}

// MetricsSnapshot returns a copy of the metrics record.
func (s *Session) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.LatencySamples = append([]int64(nil), s.metrics.LatencySamples...)
	m.Errors = append([]ErrorEntry(nil), s.metrics.Errors...)
	return m
}

// ─── Summary ────────────────────────────────────────────────────────────────

// Summary computes the final session summary. wordThreshold selects which
// word scores count as issues for the topIssues list.
func (s *Session) Summary(wordThreshold float64) protocol.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := protocol.Summary{
		DurationMs: time.Since(s.startedAt).Milliseconds(),
		TurnCount:  s.metrics.TurnCount,
	}

	var pronTotal, fluencyTotal float64
	var assessed int
	issueCounts := make(map[string]int)

	for i := range s.turns {
		a := s.turns[i].Assessment
		if a == nil {
			continue
		}
		assessed++
		pronTotal += a.OverallScore
		fluencyTotal += a.FluencyScore
		for _, w := range a.Words {
			if w.Score < wordThreshold {
				issueCounts[w.Word]++
			}
		}
	}

	if assessed > 0 {
		avgPron := pronTotal / float64(assessed)
		avgFluency := fluencyTotal / float64(assessed)
		sum.AveragePronunciation = &avgPron
		sum.AverageFluency = &avgFluency
		sum.CompetenciesUpdated = []string{"pronunciation", "fluency"}
	}

	sum.TopIssues = topIssues(issueCounts, 5)
	return sum
}

// topIssues ranks issue words by frequency (ties broken alphabetically) and
// returns at most n of them.
func topIssues(counts map[string]int, n int) []string {
	if len(counts) == 0 {
		return nil
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}
