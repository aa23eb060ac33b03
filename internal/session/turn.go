package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tandemly/voicerelay/internal/assess"
	"github.com/tandemly/voicerelay/internal/protocol"
)

// Turn is one uninterrupted speech segment by one speaker. A turn is open
// while EndedAt is zero; it is finalized exactly once before being appended
// to the session turn log.
type Turn struct {
	ID       string
	Speaker  protocol.Speaker
	Sequence int

	StartedAt time.Time
	EndedAt   time.Time

	// Partials are transcript fragments in arrival order.
	Partials []string

	// FinalTranscript is the joined partials, set at finalization.
	FinalTranscript string

	// Language is an optional BCP 47 tag reported by the provider.
	Language string

	// Assessment is the pronunciation result, when one was produced.
	Assessment *assess.Result
}

// Open reports whether the turn has not been finalized yet.
func (t *Turn) Open() bool { return t.EndedAt.IsZero() }

// DurationMs returns the finalized duration in milliseconds, 0 while open.
func (t *Turn) DurationMs() int64 {
	if t.Open() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt).Milliseconds()
}

// transcript joins the accumulated partials into the final transcript.
func (t *Turn) transcript() string {
	return strings.TrimSpace(strings.Join(t.Partials, " "))
}

func newTurn(speaker protocol.Speaker, sequence int, at time.Time) *Turn {
	return &Turn{
		ID:        "turn_" + uuid.NewString(),
		Speaker:   speaker,
		Sequence:  sequence,
		StartedAt: at,
	}
}
