// Package protocol defines the control-message vocabulary spoken on the
// learner WebSocket and the codec that classifies inbound frames.
//
// Text frames carry JSON control messages discriminated by a "type" field
// drawn from a closed set. Binary frames carry raw audio in the negotiated
// format (default pcm_16000: 16-bit mono PCM at 16 kHz, 32 bytes per
// millisecond) and are never interpreted here.
package protocol

// Client → server message types.
const (
	TypeSessionStart      = "session.start"
	TypeSessionStop       = "session.stop"
	TypeSessionConfig     = "session.config"
	TypeSessionInterrupt  = "session.interrupt"
	TypeSessionTranscript = "session.transcript"
	TypePing              = "ping"
)

// Server → client message types.
const (
	TypeSessionReady   = "session.ready"
	TypeTurnStart      = "turn.start"
	TypeTurnEnd        = "turn.end"
	TypeTranscript     = "transcript"
	TypeAssessment     = "assessment"
	TypePronunciation  = "pronunciation.feedback"
	TypeAgentState     = "agent.state"
	TypeSessionEnd     = "session.end"
	TypeError          = "error"
	TypePong           = "pong"
)

// Speaker identifies which party produced a turn or transcript.
type Speaker string

const (
	SpeakerLearner Speaker = "learner"
	SpeakerAgent   Speaker = "agent"
)

// AgentState is the outward-facing role reported on every state entry.
type AgentState string

const (
	AgentListening AgentState = "listening"
	AgentThinking  AgentState = "thinking"
	AgentSpeaking  AgentState = "speaking"
	AgentWaiting   AgentState = "waiting"
)

// EndReason explains why a session ended.
type EndReason string

const (
	ReasonUserEnded EndReason = "user_ended"
	ReasonTimeout   EndReason = "timeout"
	ReasonError     EndReason = "error"
	ReasonCompleted EndReason = "completed"
)

// AudioConfig is the negotiated audio format carried in session.start.
type AudioConfig struct {
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// TunableConfig is the live-tunable subset carried in session.config.
// Pointer fields distinguish "absent" from zero; present values are clamped
// to their declared ranges before being applied.
type TunableConfig struct {
	VADSensitivity        *float64 `json:"vadSensitivity,omitempty"`
	InterruptionThreshold *float64 `json:"interruptionThreshold,omitempty"`
	TurnTimeoutMs         *int     `json:"turnTimeout,omitempty"`
	PronunciationFeedback *bool    `json:"pronunciationFeedback,omitempty"`
}

// ClientMessage is the decoded form of any client → server control message.
// Fields beyond Type are populated according to the message type.
type ClientMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Reason    EndReason      `json:"reason,omitempty"`
	Audio     *AudioConfig   `json:"audioConfig,omitempty"`
	Config    *TunableConfig `json:"config,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// ─── Server → client payloads ───────────────────────────────────────────────

// Ready acknowledges a started session.
type Ready struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
}

// TurnStart announces a newly opened turn.
type TurnStart struct {
	Type     string  `json:"type"`
	TurnID   string  `json:"turnId"`
	Speaker  Speaker `json:"speaker"`
	Sequence int     `json:"sequence"`
}

// TurnEnd announces a finalized turn.
type TurnEnd struct {
	Type       string  `json:"type"`
	TurnID     string  `json:"turnId"`
	Speaker    Speaker `json:"speaker"`
	Sequence   int     `json:"sequence"`
	DurationMs int64   `json:"durationMs"`
	Transcript string  `json:"transcript,omitempty"`
}

// Transcript carries a partial or final transcript fragment.
type Transcript struct {
	Type     string  `json:"type"`
	TurnID   string  `json:"turnId,omitempty"`
	Speaker  Speaker `json:"speaker"`
	Text     string  `json:"text"`
	IsFinal  bool    `json:"isFinal"`
	Language string  `json:"language,omitempty"`
}

// WordScore is one scored word within an assessment.
type WordScore struct {
	Word  string  `json:"word"`
	Score float64 `json:"score"`
	Issue string  `json:"issue,omitempty"`
}

// Assessment summarises a pronunciation assessment for one learner turn.
type Assessment struct {
	Type          string      `json:"type"`
	TurnID        string      `json:"turnId"`
	OverallScore  float64     `json:"overallScore"`
	FluencyScore  float64     `json:"fluencyScore,omitempty"`
	Words         []WordScore `json:"words,omitempty"`
	Transcript    string      `json:"transcript,omitempty"`
}

// PronunciationFeedback flags one word whose score fell below threshold.
type PronunciationFeedback struct {
	Type       string  `json:"type"`
	TurnID     string  `json:"turnId"`
	Word       string  `json:"word"`
	Score      float64 `json:"score"`
	Suggestion string  `json:"suggestion,omitempty"`
}

// AgentStateMsg reports the outward-facing agent role.
type AgentStateMsg struct {
	Type  string     `json:"type"`
	State AgentState `json:"state"`
}

// Summary is the final session summary carried by session.end.
type Summary struct {
	DurationMs           int64    `json:"durationMs"`
	TurnCount            int      `json:"turnCount"`
	AveragePronunciation *float64 `json:"averagePronunciation,omitempty"`
	AverageGrammar       *float64 `json:"averageGrammar,omitempty"`
	AverageFluency       *float64 `json:"averageFluency,omitempty"`
	TopIssues            []string `json:"topIssues,omitempty"`
	CompetenciesUpdated  []string `json:"competenciesUpdated,omitempty"`
}

// SessionEnd is the terminal control message for a session.
type SessionEnd struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Reason    EndReason `json:"reason"`
	Summary   *Summary  `json:"summary,omitempty"`
}

// ErrorMsg reports a relay-side failure to the learner.
type ErrorMsg struct {
	Type        string    `json:"type"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	SessionID   string    `json:"sessionId,omitempty"`
}

// Pong answers a client ping.
type Pong struct {
	Type            string `json:"type"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	LatencyMs       int64  `json:"latencyMs"`
}

// NewError builds an ErrorMsg with the recoverability implied by code.
func NewError(code ErrorCode, message, sessionID string) ErrorMsg {
	return ErrorMsg{
		Type:        TypeError,
		Code:        code,
		Message:     message,
		Recoverable: code.Recoverable(),
		SessionID:   sessionID,
	}
}
