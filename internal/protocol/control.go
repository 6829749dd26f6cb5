package protocol

import "fmt"

// AgentAction is an operator command sent to the control plane.
type AgentAction string

const (
	ActionPause     AgentAction = "PAUSE"
	ActionResume    AgentAction = "RESUME"
	ActionTerminate AgentAction = "TERMINATE"
)

// Valid reports whether the action is one the control plane accepts.
func (a AgentAction) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionTerminate:
		return true
	}
	return false
}

// AgentState is the reconciled lifecycle state of one agent, derived
// from observed events rather than command responses.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateSpawned    AgentState = "spawned"
	StateRunning    AgentState = "running"
	StatePaused     AgentState = "paused"
	StateTerminated AgentState = "terminated"
	StateError      AgentState = "error"
)

// Terminal reports whether the state has no outgoing transitions.
func (s AgentState) Terminal() bool {
	return s == StateTerminated
}

// StateForSuffix maps an agent.lifecycle topic suffix to the target
// state. ok is false for suffixes with no mapping.
func StateForSuffix(suffix string) (AgentState, bool) {
	switch suffix {
	case SuffixSpawned:
		return StateSpawned, true
	case SuffixRunning:
		return StateRunning, true
	case SuffixPaused:
		return StatePaused, true
	case SuffixTerminated:
		return StateTerminated, true
	case SuffixError:
		return StateError, true
	}
	return "", false
}

// AgentSnapshot is one entry of the snapshot fallback endpoint.
type AgentSnapshot struct {
	AgentID  string `json:"agent_id"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

// State maps the snapshot status string onto an AgentState.
func (s AgentSnapshot) State() (AgentState, error) {
	if st, ok := StateForSuffix(s.Status); ok {
		return st, nil
	}
	if s.Status == string(StateIdle) {
		return StateIdle, nil
	}
	return "", fmt.Errorf("unknown snapshot status %q", s.Status)
}
