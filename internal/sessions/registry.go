package sessions

import (
	"sync"
)

// AgentState is the externally visible activity state of an agent.
type AgentState string

const (
	StateIdle        AgentState = "idle"
	StateWorking     AgentState = "working"
	StateThinking    AgentState = "thinking"
	StateToolCalling AgentState = "tool_calling"
)

// Registry is the in-process session registry. It owns the active-session
// set: the concurrency gate admits pulses through StartPulseSession and the
// wake subsystem consults agent state through AgentState.
type Registry struct {
	mu            sync.Mutex
	maxPerAgent   int
	pulseSessions map[string]map[string]bool // agentID → set of sessionIDs
	states        map[string]AgentState
}

// NewRegistry creates a Registry admitting at most maxPerAgent concurrent
// pulse sessions per agent (default 2 when maxPerAgent <= 0).
func NewRegistry(maxPerAgent int) *Registry {
	if maxPerAgent <= 0 {
		maxPerAgent = 2
	}
	return &Registry{
		maxPerAgent:   maxPerAgent,
		pulseSessions: make(map[string]map[string]bool),
		states:        make(map[string]AgentState),
	}
}

// StartPulseSession registers a pulse session. Returns false when the agent
// is at its concurrency cap ("skip"), true when admitted. Re-registering an
// already active session id is a no-op admit.
func (r *Registry) StartPulseSession(agentID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.pulseSessions[agentID]
	if set == nil {
		set = make(map[string]bool)
		r.pulseSessions[agentID] = set
	}
	if set[sessionID] {
		return true
	}
	if len(set) >= r.maxPerAgent {
		return false
	}
	set[sessionID] = true
	return true
}

// EndPulseSession releases a pulse session slot.
func (r *Registry) EndPulseSession(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.pulseSessions[agentID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.pulseSessions, agentID)
		}
	}
}

// ActivePulseSessions returns the number of live pulse sessions for an agent.
func (r *Registry) ActivePulseSessions(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pulseSessions[agentID])
}

// SetAgentState records the activity state reported by the streamer.
func (r *Registry) SetAgentState(agentID string, state AgentState) {
	r.mu.Lock()
	r.states[agentID] = state
	r.mu.Unlock()
}

// AgentState returns the last reported state, idle when unknown.
func (r *Registry) AgentState(agentID string) AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[agentID]; ok {
		return s
	}
	return StateIdle
}
