package pulse

import (
	"testing"

	"github.com/fleetworks/fleetd/internal/sessions"
)

func TestGate_RoutineSingleFlight(t *testing.T) {
	g := NewGate(sessions.NewRegistry(5), nil, nil)

	release, ok := g.Admit("alice", "r1", "s1", 0)
	if !ok {
		t.Fatal("first admission refused")
	}
	if _, ok := g.Admit("alice", "r1", "s2", 0); ok {
		t.Fatal("second session admitted for a busy routine")
	}
	// A different routine on the same agent is unaffected.
	rel2, ok := g.Admit("alice", "r2", "s3", 0)
	if !ok {
		t.Fatal("distinct routine refused")
	}
	rel2()

	release()
	if _, ok := g.Admit("alice", "r1", "s4", 0); !ok {
		t.Fatal("routine slot not released")
	}
}

func TestGate_AgentCapViaRegistry(t *testing.T) {
	g := NewGate(sessions.NewRegistry(1), nil, nil)

	release, ok := g.Admit("alice", "r1", "s1", 0)
	if !ok {
		t.Fatal("first admission refused")
	}
	if _, ok := g.Admit("alice", "r2", "s2", 0); ok {
		t.Fatal("admitted over agent cap 1")
	}
	// Other agents have their own cap.
	relBob, ok := g.Admit("bob", "r3", "s3", 0)
	if !ok {
		t.Fatal("other agent refused")
	}
	relBob()
	release()
}

func TestGate_SkipAccountingWarnsOncePerStreak(t *testing.T) {
	var warnings []int
	g := NewGate(sessions.NewRegistry(5), nil, func(key string, n int) {
		if key != "r1" {
			t.Errorf("warning key = %q, want r1", key)
		}
		warnings = append(warnings, n)
	})

	hold, ok := g.Admit("alice", "r1", "s-held", 3)
	if !ok {
		t.Fatal("setup admission refused")
	}

	for i := 0; i < 7; i++ {
		if _, ok := g.Admit("alice", "r1", "s-retry", 3); ok {
			t.Fatalf("admission %d succeeded under a held routine", i)
		}
	}
	// Threshold 3: one warning for the whole streak, on the 3rd skip. The
	// count keeps growing until a non-skipped pulse resets it.
	if len(warnings) != 1 || warnings[0] != 3 {
		t.Errorf("warnings = %v, want [3]", warnings)
	}
	if got := g.ConsecutiveSkips("alice", "r1"); got != 7 {
		t.Errorf("skips after 7 refusals = %d, want 7", got)
	}

	// An admission ends the streak; the next streak warns again.
	hold()
	release, ok := g.Admit("alice", "r1", "s-through", 3)
	if !ok {
		t.Fatal("admission refused after release")
	}
	for i := 0; i < 3; i++ {
		g.Admit("alice", "r1", "s-retry2", 3)
	}
	release()
	if len(warnings) != 2 {
		t.Errorf("second streak did not warn: %v", warnings)
	}
}

func TestGate_AdmissionResetsSkips(t *testing.T) {
	g := NewGate(sessions.NewRegistry(5), nil, nil)

	hold, _ := g.Admit("alice", "r1", "s-held", 5)
	g.Admit("alice", "r1", "s2", 5)
	g.Admit("alice", "r1", "s3", 5)
	if got := g.ConsecutiveSkips("alice", "r1"); got != 2 {
		t.Fatalf("skips = %d, want 2", got)
	}
	hold()

	release, ok := g.Admit("alice", "r1", "s4", 5)
	if !ok {
		t.Fatal("admission refused after release")
	}
	defer release()
	if got := g.ConsecutiveSkips("alice", "r1"); got != 0 {
		t.Errorf("skips after admission = %d, want 0", got)
	}
}

func TestGate_NilRegistryFallsBackToIdleCheck(t *testing.T) {
	state := "working"
	g := NewGate(nil, func(string) string { return state }, nil)

	if _, ok := g.Admit("alice", "", "s1", 0); ok {
		t.Fatal("admitted a busy agent without a registry")
	}
	state = "idle"
	release, ok := g.Admit("alice", "", "s2", 0)
	if !ok {
		t.Fatal("idle agent refused without a registry")
	}
	release()
}

func TestGate_ManualTryAdmitSkipsAccounting(t *testing.T) {
	g := NewGate(sessions.NewRegistry(5), nil, nil)

	hold, _ := g.Admit("alice", "r1", "s-held", 5)
	defer hold()

	if _, ok := g.TryAdmit("alice", "r1", "s-manual"); ok {
		t.Fatal("manual admission succeeded under a held routine")
	}
	if got := g.ConsecutiveSkips("alice", "r1"); got != 0 {
		t.Errorf("manual refusal recorded a skip: %d", got)
	}
}
