// Package events publishes session lifecycle notifications for downstream
// consumers (analytics, the learning platform). Publishing is best-effort:
// a failed publish is logged and never affects the session it describes.
package events

import (
	"context"
	"time"
)

// Topics published by the relay.
const (
	TopicSessionStarted = "voice.session.started"
	TopicSessionEnded   = "voice.session.ended"
)

// SessionStarted is the payload for TopicSessionStarted.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	LearnerID string    `json:"learner_id"`
	AgentID   string    `json:"agent_id"`
	StartedAt time.Time `json:"started_at"`
}

// SessionEnded is the payload for TopicSessionEnded.
type SessionEnded struct {
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	LearnerID     string    `json:"learner_id"`
	Reason        string    `json:"reason"`
	DurationMs    int64     `json:"duration_ms"`
	TurnCount     int       `json:"turn_count"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	EndedAt       time.Time `json:"ended_at"`
}

// Sink delivers one event to its destination. Implementations must be safe
// for concurrent use.
type Sink interface {
	Publish(ctx context.Context, topic string, payload any) error
}
