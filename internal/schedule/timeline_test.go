package schedule

import (
	"testing"
	"time"
)

func TestComputeTimeline_SortedWindow(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "a",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	})
	mustSetRoutine(t, s, Routine{
		ID: "r2", AgentID: "bob", Name: "b",
		IntervalMinutes: 60, OffsetMinutes: 15, Enabled: true,
	})

	now := at(t, "2026-08-01T12:00:30Z")
	tl := s.ComputeTimeline(now, 2)

	if len(tl.Pulses) == 0 {
		t.Fatal("expected pulses in the window")
	}
	for i := 1; i < len(tl.Pulses); i++ {
		if tl.Pulses[i].ScheduledAt.Before(tl.Pulses[i-1].ScheduledAt) {
			t.Fatalf("pulses not sorted at index %d", i)
		}
	}
	// alice: 12:30, 13:00, 13:30, 14:00; bob: 12:15, 13:15.
	if got := len(tl.Pulses); got != 6 {
		t.Errorf("pulse count = %d, want 6", got)
	}
	if !tl.WindowEnd.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("WindowEnd = %v", tl.WindowEnd)
	}
}

func TestComputeTimeline_Conflicts(t *testing.T) {
	s := New(time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		mustSetRoutine(t, s, Routine{
			ID: "r-" + id, AgentID: id, Name: id,
			IntervalMinutes: 60, OffsetMinutes: 30, Enabled: true,
		})
	}

	tl := s.ComputeTimeline(at(t, "2026-08-01T12:00:00Z"), 1)
	if len(tl.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(tl.Conflicts))
	}
	c := tl.Conflicts[0]
	if len(c.Pulses) != 3 {
		t.Errorf("conflict size = %d, want 3", len(c.Pulses))
	}
	if c.Severity != SeverityWarning {
		t.Errorf("severity = %q, want warning for 3 pulses", c.Severity)
	}

	mustSetRoutine(t, s, Routine{
		ID: "r-d", AgentID: "d", Name: "d",
		IntervalMinutes: 60, OffsetMinutes: 30, Enabled: true,
	})
	tl = s.ComputeTimeline(at(t, "2026-08-01T12:00:00Z"), 1)
	if len(tl.Conflicts) != 1 || tl.Conflicts[0].Severity != SeverityCritical {
		t.Errorf("expected one critical conflict with 4 pulses, got %+v", tl.Conflicts)
	}
}

func TestAutoAssignOffsets_SpreadsWithinHour(t *testing.T) {
	s := New(time.UTC)
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := s.SetAgentSchedule(id, AgentSchedule{
			IntervalMinutes: 30, OffsetMinutes: OffsetUnset, Enabled: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	s.AutoAssignOffsets()

	want := map[string]int{"alice": 0, "bob": 20, "carol": 40}
	for id, wantOff := range want {
		s.mu.RLock()
		got := s.agentSchedules[id].OffsetMinutes
		s.mu.RUnlock()
		if got != wantOff {
			t.Errorf("agent %s offset = %d, want %d", id, got, wantOff)
		}
	}
}

func TestAutoAssignOffsets_KeepsExplicitNonColliding(t *testing.T) {
	s := New(time.UTC)
	if err := s.SetAgentSchedule("alice", AgentSchedule{
		IntervalMinutes: 30, OffsetMinutes: 7, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAgentSchedule("bob", AgentSchedule{
		IntervalMinutes: 30, OffsetMinutes: OffsetUnset, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	s.AutoAssignOffsets()

	s.mu.RLock()
	alice := s.agentSchedules["alice"].OffsetMinutes
	bob := s.agentSchedules["bob"].OffsetMinutes
	s.mu.RUnlock()

	if alice != 7 {
		t.Errorf("explicit offset changed: %d", alice)
	}
	if bob == OffsetUnset || bob == 7 {
		t.Errorf("bob offset = %d, want assigned and distinct", bob)
	}
}
