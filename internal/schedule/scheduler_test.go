package schedule

import (
	"testing"
	"time"
)

func mustSetRoutine(t *testing.T, s *Scheduler, r Routine) {
	t.Helper()
	if err := s.SetRoutineSchedule(r); err != nil {
		t.Fatalf("SetRoutineSchedule(%s): %v", r.ID, err)
	}
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestGetNextPulseTime_FiveMinuteBoundary(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 5, OffsetMinutes: 0, Enabled: true,
	})

	now := at(t, "2026-08-01T12:01:30Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	want := at(t, "2026-08-01T12:05:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
	if p.Source != SourceRecurring {
		t.Errorf("Source = %q, want recurring", p.Source)
	}
}

func TestGetNextPulseTime_OffsetThree(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 5, OffsetMinutes: 3, Enabled: true,
	})

	now := at(t, "2026-08-01T12:04:10Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	if got := p.ScheduledAt.Minute() % 5; got != 3 {
		t.Errorf("minute mod 5 = %d, want 3 (at %v)", got, p.ScheduledAt)
	}
	want := at(t, "2026-08-01T12:08:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
}

func TestGetNextPulseTime_OvernightBlackout(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "night",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
		Blackouts: []Blackout{{StartTime: "22:00", EndTime: "07:00"}},
	})

	now := at(t, "2026-08-01T22:05:00Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	want := at(t, "2026-08-02T07:00:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want blackout end %v", p.ScheduledAt, want)
	}
}

func TestGetNextPulseTime_BlackoutEndIsImmediate(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "night",
		IntervalMinutes: 30, OffsetMinutes: 15, Enabled: true,
		Blackouts: []Blackout{{StartTime: "22:00", EndTime: "07:00"}},
	})

	// The aligned 22:15 fire is covered; the deferred fire is exactly at
	// blackout end with no re-alignment to :15/:45.
	now := at(t, "2026-08-01T22:10:00Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	want := at(t, "2026-08-02T07:00:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
}

func TestGetNextPulseTime_AbsoluteBlackout(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "maint",
		IntervalMinutes: 15, OffsetMinutes: 0, Enabled: true,
		Blackouts: []Blackout{{
			Start: at(t, "2026-08-01T12:10:00Z"),
			End:   at(t, "2026-08-01T12:40:00Z"),
		}},
	})

	now := at(t, "2026-08-01T12:12:00Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	// 12:15 and 12:30 are inside the window; fire moves to window end.
	want := at(t, "2026-08-01T12:40:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
}

func TestGetNextPulseTime_OneOffBeatsRecurring(t *testing.T) {
	s := New(time.UTC)
	oneOff := at(t, "2026-08-01T12:07:00Z")
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
		OneOffs: []time.Time{oneOff},
	})

	now := at(t, "2026-08-01T12:01:00Z")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected a pulse")
	}
	if p.Source != SourceOneOff {
		t.Errorf("Source = %q, want one-off", p.Source)
	}
	if !p.ScheduledAt.Equal(oneOff) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, oneOff)
	}
}

func TestGetNextPulseTime_TieBreakOneOffWins(t *testing.T) {
	s := New(time.UTC)
	fire := at(t, "2026-08-01T12:30:00Z")
	mustSetRoutine(t, s, Routine{
		ID: "r-recurring", AgentID: "alice", Name: "a",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	})
	mustSetRoutine(t, s, Routine{
		ID: "r-oneoff", AgentID: "bob", Name: "b",
		IntervalMinutes: 60, OffsetMinutes: 45, Enabled: true,
		OneOffs: []time.Time{fire},
	})

	p := s.GetNextPulseTime(at(t, "2026-08-01T12:29:00Z"))
	if p == nil {
		t.Fatal("expected a pulse")
	}
	if p.Source != SourceOneOff || p.RoutineID != "r-oneoff" {
		t.Errorf("tie should go to the one-off pulse, got %+v", p)
	}
}

func TestGetNextPulseTime_RoutinesSupersedeLegacy(t *testing.T) {
	s := New(time.UTC)
	if err := s.SetAgentSchedule("alice", AgentSchedule{
		IntervalMinutes: 5, OffsetMinutes: 0, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 60, OffsetMinutes: 30, Enabled: true,
	})

	// The legacy 5-minute schedule would fire sooner, but must not be
	// emitted while the agent has a routine.
	p := s.GetNextPulseTime(at(t, "2026-08-01T12:00:30Z"))
	if p == nil {
		t.Fatal("expected a pulse")
	}
	if p.RoutineID != "r1" {
		t.Errorf("expected routine pulse, got legacy pulse %+v", p)
	}
}

func TestGetNextPulseTime_LegacyRevivesAfterLastRoutineRemoved(t *testing.T) {
	s := New(time.UTC)
	oneOff := at(t, "2026-08-01T15:00:00Z")
	if err := s.SetAgentSchedule("alice", AgentSchedule{
		IntervalMinutes: 60, OffsetMinutes: 0, Enabled: true,
		OneOffs: []time.Time{oneOff},
	}); err != nil {
		t.Fatal(err)
	}
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	})

	now := at(t, "2026-08-01T14:40:00Z")
	if p := s.GetNextPulseTime(now); p == nil || p.RoutineID != "r1" {
		t.Fatalf("expected routine pulse while routine exists, got %+v", p)
	}

	s.RemoveRoutine("r1")
	p := s.GetNextPulseTime(now)
	if p == nil {
		t.Fatal("expected legacy pulse after routine removal")
	}
	if p.RoutineID != "" || !p.ScheduledAt.Equal(at(t, "2026-08-01T15:00:00Z")) {
		t.Errorf("expected legacy pulse, got %+v", p)
	}
	if p.Source != SourceOneOff {
		t.Errorf("Source = %q, want one-off (15:00 one-off ties the 15:00 recurring fire)", p.Source)
	}
	_ = oneOff
}

func TestGetNextPulseTime_DisabledLegacyHonoursOneOffsOnly(t *testing.T) {
	s := New(time.UTC)
	oneOff := at(t, "2026-08-01T13:00:00Z")
	if err := s.AddOneOffPulse("alice", "", oneOff); err != nil {
		t.Fatal(err)
	}

	p := s.GetNextPulseTime(at(t, "2026-08-01T12:00:00Z"))
	if p == nil {
		t.Fatal("expected the one-off pulse")
	}
	if p.Source != SourceOneOff || !p.ScheduledAt.Equal(oneOff) {
		t.Errorf("got %+v, want one-off at %v", p, oneOff)
	}
}

func TestOneOff_AddRemoveRoundTrip(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	})

	now := at(t, "2026-08-01T12:00:30Z")
	before := s.GetNextPulseTime(now)

	oneOff := at(t, "2026-08-01T12:10:00Z")
	if err := s.AddOneOffPulse("alice", "r1", oneOff); err != nil {
		t.Fatal(err)
	}
	s.RemoveOneOffPulse("alice", "r1", oneOff)

	after := s.GetNextPulseTime(now)
	if before == nil || after == nil {
		t.Fatal("expected pulses before and after")
	}
	if !before.ScheduledAt.Equal(after.ScheduledAt) || before.Source != after.Source {
		t.Errorf("schedule changed by add+remove: before %+v, after %+v", before, after)
	}
}

func TestSetRoutineSchedule_RoundTrip(t *testing.T) {
	s := New(time.UTC)
	r := Routine{
		ID: "r1", AgentID: "alice", Name: "inbox sweep",
		IntervalMinutes: 45, OffsetMinutes: 10, Enabled: true,
		MaxConsecutiveSkips: 3,
		Instructions:        "check unread and summarize",
		Blackouts:           []Blackout{{StartTime: "01:00", EndTime: "02:00"}},
		Overrides:           &RoutineOverrides{TimeoutMs: 60000, Tools: []string{"inbox"}},
		Color:               "#ff8800",
	}
	mustSetRoutine(t, s, r)

	routines := s.GetAgentRoutines("alice")
	if len(routines) != 1 {
		t.Fatalf("GetAgentRoutines returned %d routines, want 1", len(routines))
	}
	got := routines[0]
	if got.ID != r.ID || got.Name != r.Name || got.IntervalMinutes != r.IntervalMinutes ||
		got.OffsetMinutes != r.OffsetMinutes || got.Instructions != r.Instructions ||
		got.MaxConsecutiveSkips != r.MaxConsecutiveSkips || got.Color != r.Color {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Overrides == nil || got.Overrides.TimeoutMs != 60000 {
		t.Errorf("overrides not preserved: %+v", got.Overrides)
	}
}

func TestSetRoutineSchedule_Validation(t *testing.T) {
	s := New(time.UTC)
	if err := s.SetRoutineSchedule(Routine{ID: "r1", AgentID: "a", IntervalMinutes: 4}); err == nil {
		t.Error("interval below minimum should be rejected")
	}
	if err := s.SetRoutineSchedule(Routine{ID: "r1", AgentID: "a", IntervalMinutes: 1441}); err == nil {
		t.Error("interval above maximum should be rejected")
	}
	if err := s.SetRoutineSchedule(Routine{ID: "r1", AgentID: "a", IntervalMinutes: 30, OffsetMinutes: 60}); err == nil {
		t.Error("offset above 59 should be rejected")
	}
	if err := s.SetRoutineSchedule(Routine{ID: "r1", AgentID: "a", CronExpr: "not a cron"}); err == nil {
		t.Error("invalid cron expression should be rejected")
	}
	if err := s.SetRoutineSchedule(Routine{ID: "r1", AgentID: "a", CronExpr: "*/10 * * * *"}); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}
}

func TestGetNextPulseTime_CronRoutine(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "hourly",
		CronExpr: "0 * * * *", Enabled: true,
	})

	p := s.GetNextPulseTime(at(t, "2026-08-01T12:30:00Z"))
	if p == nil {
		t.Fatal("expected a pulse")
	}
	want := at(t, "2026-08-01T13:00:00Z")
	if !p.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", p.ScheduledAt, want)
	}
}

func TestRecordRun_AdvancesNextFire(t *testing.T) {
	s := New(time.UTC)
	mustSetRoutine(t, s, Routine{
		ID: "r1", AgentID: "alice", Name: "inbox",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	})

	now := at(t, "2026-08-01T12:29:00Z")
	p := s.GetNextPulseTime(now)
	if p == nil || !p.ScheduledAt.Equal(at(t, "2026-08-01T12:30:00Z")) {
		t.Fatalf("unexpected first fire: %+v", p)
	}

	s.RecordRun("alice", "r1", p.ScheduledAt)
	next := s.GetNextPulseTime(p.ScheduledAt)
	if next == nil {
		t.Fatal("expected next pulse")
	}
	want := at(t, "2026-08-01T13:00:00Z")
	if !next.ScheduledAt.Equal(want) {
		t.Errorf("next fire = %v, want %v", next.ScheduledAt, want)
	}

	r, _ := s.GetRoutine("r1")
	if r.Stats.TotalRuns != 1 {
		t.Errorf("TotalRuns = %d, want 1", r.Stats.TotalRuns)
	}
}
