package session

import "github.com/tandemly/voicerelay/internal/protocol"

// State is the session state-machine slot. Exactly one state holds at any
// moment; Closed is terminal.
type State string

const (
	StateConnecting      State = "connecting"
	StateReady           State = "ready"
	StateLearnerSpeaking State = "learner_speaking"
	StateAgentThinking   State = "agent_thinking"
	StateAgentSpeaking   State = "agent_speaking"
	StatePaused          State = "paused"
	StateEnding          State = "ending"
	StateClosed          State = "closed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == StateClosed }

// Speaking reports whether s requires an open current turn.
func (s State) Speaking() bool {
	return s == StateLearnerSpeaking || s == StateAgentSpeaking
}

// AgentState maps a session state to the outward-facing role reported to
// the learner on every state entry.
func (s State) AgentState() protocol.AgentState {
	switch s {
	case StateLearnerSpeaking:
		return protocol.AgentListening
	case StateAgentSpeaking:
		return protocol.AgentSpeaking
	case StateAgentThinking:
		return protocol.AgentThinking
	default:
		return protocol.AgentWaiting
	}
}

// legalMoves enumerates the permitted transitions. Ending is reachable from
// every non-terminal state and is therefore handled separately in
// [canTransition].
var legalMoves = map[State][]State{
	StateConnecting:      {StateReady},
	StateReady:           {StateLearnerSpeaking, StateAgentSpeaking, StateAgentThinking, StatePaused},
	StateLearnerSpeaking: {StateReady, StateAgentSpeaking, StateAgentThinking, StateLearnerSpeaking},
	StateAgentThinking:   {StateAgentSpeaking, StateLearnerSpeaking, StateReady},
	StateAgentSpeaking:   {StateReady, StateLearnerSpeaking, StateAgentThinking},
	StatePaused:          {StateReady},
	StateEnding:          {StateClosed},
}

// canTransition reports whether moving from → to is permitted.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateEnding {
		return from != StateEnding
	}
	for _, s := range legalMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}
