package session

import "time"

const (
	maxLatencySamples = 256
	maxErrorLog       = 64
)

// ErrorEntry is one bounded error-log record.
type ErrorEntry struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// Metrics is the per-session counter set. All counters are monotonically
// non-decreasing. Mutated only under the session lock.
type Metrics struct {
	// BytesReceived counts audio bytes read from the learner socket.
	BytesReceived int64

	// BytesSent counts audio bytes handed to the learner socket write,
	// not what the learner acknowledged.
	BytesSent int64

	// TurnCount counts finalized turns.
	TurnCount int

	// LearnerSpeakingMs and AgentSpeakingMs accumulate turn durations.
	LearnerSpeakingMs int64
	AgentSpeakingMs   int64

	// ReconnectAttempts counts upstream redials.
	ReconnectAttempts int

	// LatencySamples is a bounded FIFO of ping round-trip measurements (ms).
	LatencySamples []int64

	// Errors is a bounded FIFO of recorded failures.
	Errors []ErrorEntry
}

// recordLatency appends a round-trip sample, evicting the oldest past cap.
func (m *Metrics) recordLatency(ms int64) {
	m.LatencySamples = append(m.LatencySamples, ms)
	if len(m.LatencySamples) > maxLatencySamples {
		m.LatencySamples = m.LatencySamples[len(m.LatencySamples)-maxLatencySamples:]
	}
}

// recordError appends an error entry, evicting the oldest past cap.
func (m *Metrics) recordError(code, message string, at time.Time) {
	m.Errors = append(m.Errors, ErrorEntry{Code: code, Message: message, Timestamp: at})
	if len(m.Errors) > maxErrorLog {
		m.Errors = m.Errors[len(m.Errors)-maxErrorLog:]
	}
}
