// Package assess defines the pronunciation assessor collaborator: given the
// learner's buffered audio and the transcript they were expected to produce,
// an Assessor returns per-word pronunciation scores and an overall summary.
//
// Scoring never happens in-process; implementations delegate recognition to
// an external service. The relay treats assessor failures as non-fatal.
package assess

import (
	"context"

	"github.com/tandemly/voicerelay/internal/protocol"
)

// Request carries one learner turn's audio and expected transcript.
type Request struct {
	// Audio is raw PCM in the session's negotiated format.
	Audio []byte

	// SampleRate is the PCM sample rate in Hz (default 16000).
	SampleRate int

	// Expected is the turn's final transcript as recognised by the upstream
	// provider. Pronunciation is judged against it.
	Expected string

	// Language is an optional BCP 47 tag for the expected transcript.
	Language string
}

// Result is a completed pronunciation assessment.
type Result struct {
	// OverallScore is the mean word score in [0, 1].
	OverallScore float64

	// FluencyScore estimates delivery smoothness in [0, 1].
	FluencyScore float64

	// Words scores each expected word individually.
	Words []protocol.WordScore

	// Recognized is the transcript produced by the assessor's recogniser.
	Recognized string
}

// Assessor scores a learner turn. Implementations must respect ctx
// cancellation; calls may block on network I/O.
type Assessor interface {
	Assess(ctx context.Context, req Request) (Result, error)
}
