package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tandemly/voicerelay/internal/protocol"
)

func TestDecodeClient_KnownTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"start", `{"type":"session.start","sessionId":"sess_1"}`, protocol.TypeSessionStart},
		{"stop", `{"type":"session.stop","sessionId":"sess_1","reason":"user_ended"}`, protocol.TypeSessionStop},
		{"config", `{"type":"session.config","sessionId":"sess_1","config":{"vadSensitivity":0.7}}`, protocol.TypeSessionConfig},
		{"interrupt", `{"type":"session.interrupt","sessionId":"sess_1"}`, protocol.TypeSessionInterrupt},
		{"transcript", `{"type":"session.transcript","sessionId":"sess_1"}`, protocol.TypeSessionTranscript},
		{"ping", `{"type":"ping","timestamp":1712000000000}`, protocol.TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := protocol.DecodeClient([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeClient() error: %v", err)
			}
			if msg.Type != tt.want {
				t.Errorf("Type = %q, want %q", msg.Type, tt.want)
			}
		})
	}
}

func TestDecodeClient_ConfigFields(t *testing.T) {
	t.Parallel()

	raw := `{"type":"session.config","sessionId":"s1","config":{"vadSensitivity":0.3,"turnTimeout":2000,"pronunciationFeedback":false}}`
	msg, err := protocol.DecodeClient([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClient() error: %v", err)
	}
	if msg.Config == nil {
		t.Fatal("Config should be populated")
	}
	if msg.Config.VADSensitivity == nil || *msg.Config.VADSensitivity != 0.3 {
		t.Errorf("VADSensitivity = %v, want 0.3", msg.Config.VADSensitivity)
	}
	if msg.Config.TurnTimeoutMs == nil || *msg.Config.TurnTimeoutMs != 2000 {
		t.Errorf("TurnTimeoutMs = %v, want 2000", msg.Config.TurnTimeoutMs)
	}
	if msg.Config.PronunciationFeedback == nil || *msg.Config.PronunciationFeedback {
		t.Errorf("PronunciationFeedback = %v, want false", msg.Config.PronunciationFeedback)
	}
	if msg.Config.InterruptionThreshold != nil {
		t.Error("InterruptionThreshold should be absent")
	}
}

func TestDecodeClient_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"not json", `{"sessionId":"s1"}`, `[]`} {
		_, err := protocol.DecodeClient([]byte(raw))
		if !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("DecodeClient(%q) error = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestDecodeClient_UnknownType(t *testing.T) {
	t.Parallel()

	msg, err := protocol.DecodeClient([]byte(`{"type":"session.levitate"}`))
	if !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("error = %v, want ErrUnknownType", err)
	}
	if msg == nil || msg.Type != "session.levitate" {
		t.Error("message should still carry the offending type")
	}
}

func TestEncode_ErrorMessage(t *testing.T) {
	t.Parallel()

	data, err := protocol.Encode(protocol.NewError(protocol.CodeUnknownMessage, "nope", "sess_9"))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("round-trip unmarshal: %v", err)
	}
	if out["type"] != "error" {
		t.Errorf("type = %v, want error", out["type"])
	}
	if out["code"] != "UNKNOWN_MESSAGE_TYPE" {
		t.Errorf("code = %v", out["code"])
	}
	if out["recoverable"] != true {
		t.Error("UNKNOWN_MESSAGE_TYPE should be recoverable")
	}
}

func TestErrorCode_Recoverable(t *testing.T) {
	t.Parallel()

	if protocol.CodeAgentDisconnected.Recoverable() {
		t.Error("AGENT_DISCONNECTED must not be recoverable")
	}
	if protocol.CodeUpstreamConnect.Recoverable() {
		t.Error("UPSTREAM_CONNECT must not be recoverable")
	}
	if !protocol.CodeMessageProcessing.Recoverable() {
		t.Error("MESSAGE_PROCESSING_ERROR must be recoverable")
	}
}
