package session

// State is the per-call lifecycle state. Transitions are monotonic toward
// Closed, which is absorbing; a Closed session is never reused.
type State int

const (
	// StateConnecting covers the window between the media stream opening
	// and the channel's stream-started control event.
	StateConnecting State = iota
	// StateActiveIdle means the call is live and nobody is speaking.
	StateActiveIdle
	// StateAgentSpeaking means synthesized agent audio is being played.
	StateAgentSpeaking
	// StateUserSpeaking means the caller is speaking.
	StateUserSpeaking
	// StateInterrupting is the transient barge-in state between
	// AgentSpeaking and UserSpeaking.
	StateInterrupting
	// StateTerminating means teardown has begun; both pumps are draining.
	StateTerminating
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActiveIdle:
		return "active_idle"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateUserSpeaking:
		return "user_speaking"
	case StateInterrupting:
		return "interrupting"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransition reports whether the lifecycle permits from -> to.
// Terminating is reachable from every non-terminal state; Closed only from
// Terminating.
func validTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateTerminating {
		return true
	}
	switch from {
	case StateConnecting:
		return to == StateActiveIdle
	case StateActiveIdle:
		return to == StateAgentSpeaking || to == StateUserSpeaking
	case StateAgentSpeaking:
		return to == StateInterrupting || to == StateActiveIdle
	case StateUserSpeaking:
		return to == StateActiveIdle || to == StateAgentSpeaking
	case StateInterrupting:
		return to == StateUserSpeaking
	case StateTerminating:
		return to == StateClosed
	default:
		return false
	}
}
