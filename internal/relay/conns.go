package relay

import (
	"context"

	"github.com/tandemly/voicerelay/internal/upstream"
)

// UpstreamEvent aliases the provider event type so fakes and the real
// *upstream.Conn satisfy [UpstreamConn] with the same channel type.
type UpstreamEvent = upstream.Event

// Frame is one inbound learner WebSocket frame. Binary frames carry raw
// audio; text frames carry JSON control messages.
type Frame struct {
	Binary bool
	Data   []byte
}

// LearnerConn is the learner-facing socket as the relay sees it. The server
// implements it over the accepted WebSocket; tests use in-memory fakes.
// WriteJSON and WriteBinary must be safe for concurrent use.
type LearnerConn interface {
	// ReadFrame blocks for the next frame. It returns an error when the
	// learner disconnects or ctx is cancelled.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteJSON sends one JSON control message as a text frame.
	WriteJSON(ctx context.Context, v any) error

	// WriteBinary sends one audio chunk as a binary frame.
	WriteBinary(ctx context.Context, data []byte) error

	// Close closes the socket. Idempotent.
	Close(reason string) error
}

// UpstreamConn is the provider leg as the relay sees it. Satisfied by
// *upstream.Conn.
type UpstreamConn interface {
	Events() <-chan UpstreamEvent
	SendAudio(chunk []byte) error
	SendInterrupt() error
	SendConfig(vadSensitivity, interruptionThreshold float64, turnTimeoutMs int) error
	Err() error
	Close() error
}

// Dialer establishes the provider leg for a session.
type Dialer interface {
	Dial(ctx context.Context, agentID, overrideURL string) (UpstreamConn, error)
}
