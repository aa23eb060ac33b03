// Package mock provides a recording double for events.Sink.
package mock

import (
	"context"
	"sync"

	"github.com/tandemly/voicerelay/internal/events"
)

var _ events.Sink = (*Sink)(nil)

// Published is one recorded Publish call.
type Published struct {
	Topic   string
	Payload any
}

// Sink records every published event. Safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	// Err forces every Publish to fail.
	Err error

	Events []Published
}

// Publish implements [events.Sink].
func (m *Sink) Publish(_ context.Context, topic string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Events = append(m.Events, Published{Topic: topic, Payload: payload})
	return nil
}

// ByTopic returns the recorded events for one topic.
func (m *Sink) ByTopic(topic string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Published
	for _, e := range m.Events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
