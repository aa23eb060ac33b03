package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by [DecodeClient] when a text frame is not valid
// JSON or lacks a type discriminator. Answered with MESSAGE_PROCESSING_ERROR;
// the session is not terminated.
var ErrMalformed = errors.New("protocol: malformed control message")

// ErrUnknownType is returned by [DecodeClient] for a well-formed message
// whose type is outside the closed set. Answered with UNKNOWN_MESSAGE_TYPE.
var ErrUnknownType = errors.New("protocol: unknown message type")

// knownClientTypes is the closed set of accepted client message types.
var knownClientTypes = map[string]bool{
	TypeSessionStart:      true,
	TypeSessionStop:       true,
	TypeSessionConfig:     true,
	TypeSessionInterrupt:  true,
	TypeSessionTranscript: true,
	TypePing:              true,
}

// DecodeClient parses a text frame from the learner socket into a
// [ClientMessage].
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}
	if !knownClientTypes[msg.Type] {
		return &msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return &msg, nil
}

// Encode serialises an outbound control message as a JSON text frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return data, nil
}
