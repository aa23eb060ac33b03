package session

import "github.com/tandemly/voicerelay/internal/protocol"

// Tunable-field ranges. Updates outside a range are clamped, not rejected.
const (
	minTurnTimeoutMs = 500
	maxTurnTimeoutMs = 10_000
)

// Config is the per-session configuration. It is immutable after
// session.start except for the tunable subset applied through
// [Session.ApplyTunable].
type Config struct {
	// AudioFormat names the negotiated audio encoding (default "pcm_16000").
	AudioFormat string

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the channel count (mono = 1).
	Channels int

	// VADSensitivity tunes upstream voice-activity detection, in [0, 1].
	VADSensitivity float64

	// InterruptionThreshold tunes barge-in sensitivity, in [0, 1].
	InterruptionThreshold float64

	// TurnTimeoutMs bounds silence within a turn, in [500, 10000].
	TurnTimeoutMs int

	// PronunciationFeedback gates inline assessment scheduling.
	PronunciationFeedback bool

	// MaxDurationMs caps the whole session; 0 means the server default.
	MaxDurationMs int64

	// WebsocketURL, when set, overrides the synthesised upstream endpoint.
	WebsocketURL string
}

// DefaultConfig returns the configuration used when session.start carries no
// audioConfig of its own.
func DefaultConfig() Config {
	return Config{
		AudioFormat:           "pcm_16000",
		SampleRate:            16_000,
		Channels:              1,
		VADSensitivity:        0.5,
		InterruptionThreshold: 0.5,
		TurnTimeoutMs:         3_000,
		PronunciationFeedback: true,
	}
}

// applyTunable applies the present fields of t, clamped to their declared
// ranges. Callers hold the session lock.
func (c *Config) applyTunable(t *protocol.TunableConfig) {
	if t == nil {
		return
	}
	if t.VADSensitivity != nil {
		c.VADSensitivity = clampFloat(*t.VADSensitivity, 0, 1)
	}
	if t.InterruptionThreshold != nil {
		c.InterruptionThreshold = clampFloat(*t.InterruptionThreshold, 0, 1)
	}
	if t.TurnTimeoutMs != nil {
		c.TurnTimeoutMs = clampInt(*t.TurnTimeoutMs, minTurnTimeoutMs, maxTurnTimeoutMs)
	}
	if t.PronunciationFeedback != nil {
		c.PronunciationFeedback = *t.PronunciationFeedback
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
