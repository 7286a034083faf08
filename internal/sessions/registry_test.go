package sessions

import (
	"testing"
	"time"
)

func TestPulseSessionID(t *testing.T) {
	at := time.UnixMilli(1712345678000)
	if got := PulseSessionID("alice", "", at); got != "pulse_alice_1712345678000" {
		t.Errorf("legacy id = %q", got)
	}
	if got := PulseSessionID("alice", "r1", at); got != "pulse_alice_r1_1712345678000" {
		t.Errorf("routine id = %q", got)
	}
	if !IsPulseSession(PulseSessionID("alice", "r1", at)) {
		t.Error("IsPulseSession = false for pulse id")
	}
	if IsPulseSession(ChannelSessionID("+15551234567", "alice")) {
		t.Error("IsPulseSession = true for channel id")
	}
}

func TestRegistry_ConcurrencyCap(t *testing.T) {
	r := NewRegistry(2)

	if !r.StartPulseSession("alice", "s1") {
		t.Fatal("first session rejected")
	}
	if !r.StartPulseSession("alice", "s2") {
		t.Fatal("second session rejected under cap 2")
	}
	if r.StartPulseSession("alice", "s3") {
		t.Fatal("third session admitted over cap 2")
	}
	// Same id re-registering is not a new slot.
	if !r.StartPulseSession("alice", "s1") {
		t.Fatal("re-register of active session rejected")
	}
	if got := r.ActivePulseSessions("alice"); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}

	r.EndPulseSession("alice", "s1")
	if !r.StartPulseSession("alice", "s3") {
		t.Fatal("slot not released by EndPulseSession")
	}

	// Other agents are unaffected.
	if !r.StartPulseSession("bob", "s9") {
		t.Fatal("other agent blocked by alice's sessions")
	}
}

func TestRegistry_AgentState(t *testing.T) {
	r := NewRegistry(2)
	if got := r.AgentState("alice"); got != StateIdle {
		t.Errorf("unknown agent state = %q, want idle", got)
	}
	r.SetAgentState("alice", StateToolCalling)
	if got := r.AgentState("alice"); got != StateToolCalling {
		t.Errorf("state = %q, want tool_calling", got)
	}
}
