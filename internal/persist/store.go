// Package persist defines the durable record store behind the relay: session
// admission records created by the learning platform, per-turn transcripts
// and assessments, and the final session summaries.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/tandemly/voicerelay/internal/protocol"
)

// ErrNotFound is returned by LoadSession when no record exists for the id.
var ErrNotFound = errors.New("persist: session not found")

// SessionRecord is the admission record for one provisioned session. The
// learning platform writes it before handing the learner a session id; the
// relay only ever reads it.
type SessionRecord struct {
	SessionID string
	TenantID  string
	LearnerID string
	AgentID   string

	// WebsocketURL, when set, overrides the synthesised provider endpoint.
	WebsocketURL string

	// MaxDurationMs caps the session; 0 defers to the server default.
	MaxDurationMs int64

	CreatedAt time.Time
}

// TurnRecord is one finalized turn with its optional assessment.
type TurnRecord struct {
	TurnID     string
	SessionID  string
	Speaker    string
	Sequence   int
	Transcript string
	Language   string
	StartedAt  time.Time
	EndedAt    time.Time

	// OverallScore and FluencyScore are set only for assessed learner turns.
	OverallScore *float64
	FluencyScore *float64

	// Words holds the per-word assessment scores, empty when unassessed.
	Words []protocol.WordScore
}

// SummaryRecord is the closing record for one session.
type SummaryRecord struct {
	SessionID            string
	Reason               string
	DurationMs           int64
	TurnCount            int
	AveragePronunciation *float64
	AverageFluency       *float64
	TopIssues            []string
	BytesReceived        int64
	BytesSent            int64
	EndedAt              time.Time
}

// Store is the persistence surface used by the relay. All methods are safe
// for concurrent use.
type Store interface {
	// LoadSession fetches the admission record, or ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// SaveTurn appends one finalized turn.
	SaveTurn(ctx context.Context, rec TurnRecord) error

	// SaveSummary writes the closing record, replacing any prior one.
	SaveSummary(ctx context.Context, rec SummaryRecord) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close()
}
