package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*FileSink)(nil)
)

// LogSink emits events into the structured log. The default sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every published event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements [Sink].
func (s *LogSink) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	s.logger.InfoContext(ctx, "event published", "topic", topic, "payload", string(data))
	return nil
}

// record is one JSON line written by FileSink.
type record struct {
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
}

// FileSink appends events as JSON lines to a local file. Suitable for
// single-instance deployments where a broker would be overkill.
// Thread-safe for concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a FileSink that writes to the given path.
// The file is created if it does not exist.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Publish implements [Sink].
func (s *FileSink) Publish(_ context.Context, topic string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	data, err := json.Marshal(record{
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("events: marshal record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("events: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	return nil
}
