package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventType classifies provider → relay events.
type EventType string

const (
	// EventAudio carries a chunk of synthesised agent speech.
	EventAudio EventType = "audio"

	// EventAgentResponse carries a final agent utterance text.
	EventAgentResponse EventType = "agent_response"

	// EventTranscript carries a partial agent transcript fragment.
	EventTranscript EventType = "transcript"

	// EventUserTranscript carries the provider's recognition of learner speech.
	EventUserTranscript EventType = "user_transcript"

	// EventInterruption signals the agent was cut off by learner speech.
	EventInterruption EventType = "interruption"

	// EventTurnEnd signals the provider considers the current turn complete.
	EventTurnEnd EventType = "turn_end"

	// EventEnd signals the provider closed the conversation.
	EventEnd EventType = "end"

	// EventPing is a provider keepalive; answered internally, never surfaced.
	EventPing EventType = "ping"
)

// Event is one decoded provider event. Fields beyond Type are populated
// according to the event type.
type Event struct {
	Type EventType

	// Audio is the decoded PCM chunk for EventAudio.
	Audio []byte

	// SampleRate is a new output sample rate declared alongside an
	// EventAudio, or zero when unchanged.
	SampleRate int

	// Text is the utterance or fragment for the transcript-bearing events.
	Text string

	// IsFinal distinguishes a completed utterance from a fragment.
	IsFinal bool

	// Language is an optional BCP 47 tag reported alongside a transcript.
	Language string

	// Reason explains an EventEnd.
	Reason string

	// PingEventID echoes back in the pong for EventPing.
	PingEventID int
}

// wireEvent mirrors the provider's JSON frame layout. The provider
// discriminates on "type" and nests per-type payload objects.
type wireEvent struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		SampleRate  int    `json:"sample_rate,omitempty"`
	} `json:"audio_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	TentativeAgentResponseEvent *struct {
		TentativeAgentResponse string `json:"tentative_agent_response"`
	} `json:"tentative_agent_response_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
		Language       string `json:"language,omitempty"`
	} `json:"user_transcription_event,omitempty"`

	TurnEndEvent *struct {
		TurnID string `json:"turn_id,omitempty"`
	} `json:"turn_end_event,omitempty"`

	EndEvent *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"end_event,omitempty"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

// decodeEvent parses one provider frame. Unknown event types return
// (nil, nil) so the read loop can skip them without failing the session.
func decodeEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("upstream: decode event: %w", err)
	}

	switch w.Type {
	case "audio":
		if w.AudioEvent == nil || w.AudioEvent.AudioBase64 == "" {
			return nil, nil
		}
		audio, err := base64.StdEncoding.DecodeString(w.AudioEvent.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("upstream: decode audio: %w", err)
		}
		return &Event{Type: EventAudio, Audio: audio, SampleRate: w.AudioEvent.SampleRate}, nil

	case "agent_response":
		if w.AgentResponseEvent == nil {
			return nil, nil
		}
		return &Event{
			Type:    EventAgentResponse,
			Text:    w.AgentResponseEvent.AgentResponse,
			IsFinal: true,
		}, nil

	case "internal_tentative_agent_response":
		if w.TentativeAgentResponseEvent == nil {
			return nil, nil
		}
		return &Event{
			Type: EventTranscript,
			Text: w.TentativeAgentResponseEvent.TentativeAgentResponse,
		}, nil

	case "user_transcript":
		if w.UserTranscriptionEvent == nil {
			return nil, nil
		}
		return &Event{
			Type:     EventUserTranscript,
			Text:     w.UserTranscriptionEvent.UserTranscript,
			IsFinal:  true,
			Language: w.UserTranscriptionEvent.Language,
		}, nil

	case "interruption":
		return &Event{Type: EventInterruption}, nil

	case "turn_end":
		return &Event{Type: EventTurnEnd}, nil

	case "end", "conversation_end":
		evt := &Event{Type: EventEnd}
		if w.EndEvent != nil {
			evt.Reason = w.EndEvent.Reason
		}
		return evt, nil

	case "ping":
		evt := &Event{Type: EventPing}
		if w.PingEvent != nil {
			evt.PingEventID = w.PingEvent.EventID
		}
		return evt, nil
	}

	return nil, nil
}
