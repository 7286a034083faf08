package pulse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/counter"
	"github.com/fleetworks/fleetd/internal/schedule"
)

type wakeCapture struct {
	agents []string
	froms  []string
}

func (c *wakeCapture) enqueue(_ context.Context, agentID, from string) {
	c.agents = append(c.agents, agentID)
	c.froms = append(c.froms, from)
}

func newTestWaker(cfg config.WakeConfig, stateFn func(string) string) (*Waker, *wakeCapture, *counter.Memory) {
	rec := &wakeCapture{}
	counters := counter.NewMemory()
	w := NewWaker(nil, counters, cfg, stateFn, rec.enqueue)
	return w, rec, counters
}

func TestWake_CooldownRejects(t *testing.T) {
	w, rec, _ := newTestWaker(config.WakeConfig{CooldownSeconds: 60}, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if d, err := w.Handle(context.Background(), "alice", "bob"); err != nil || d != WakeAccepted {
		t.Fatalf("first wake = %v, %v", d, err)
	}
	now = now.Add(30 * time.Second)
	if d, _ := w.Handle(context.Background(), "alice", "carol"); d != WakeCooldown {
		t.Errorf("wake inside cooldown = %v, want cooldown", d)
	}
	now = now.Add(31 * time.Second)
	if d, _ := w.Handle(context.Background(), "alice", "carol"); d != WakeAccepted {
		t.Errorf("wake after cooldown = %v, want accepted", d)
	}
	if len(rec.agents) != 2 {
		t.Errorf("enqueued = %v", rec.agents)
	}
}

func TestWake_DailyCapRollsBack(t *testing.T) {
	w, rec, counters := newTestWaker(config.WakeConfig{MaxWakesPerDay: 2}, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := w.Handle(ctx, "alice", fmt.Sprintf("peer%d", i)); d != WakeAccepted {
			t.Fatalf("wake %d rejected: %v", i, d)
		}
	}
	if d, _ := w.Handle(ctx, "alice", "peer9"); d != WakeDailyCap {
		t.Fatalf("over-cap wake = %v, want daily_cap", d)
	}
	// The refused increment rolled back; the counter still shows only the
	// accepted wakes.
	v, _, _ := counters.Get(ctx, "wakes:alice:2026-08-01")
	if v != 2 {
		t.Errorf("daily counter = %d, want 2", v)
	}
	if len(rec.agents) != 2 {
		t.Errorf("enqueued = %v", rec.agents)
	}
}

func TestWake_PairCapRollsBackBothCounters(t *testing.T) {
	w, _, counters := newTestWaker(config.WakeConfig{MaxWakesPerPairPerDay: 1}, nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	if d, _ := w.Handle(ctx, "alice", "bob"); d != WakeAccepted {
		t.Fatal("first pair wake rejected")
	}
	if d, _ := w.Handle(ctx, "alice", "bob"); d != WakePairCap {
		t.Fatal("second pair wake not capped")
	}
	// A different source still gets through.
	if d, _ := w.Handle(ctx, "alice", "carol"); d != WakeAccepted {
		t.Fatal("wake from distinct source rejected")
	}

	day, _, _ := counters.Get(ctx, "wakes:alice:2026-08-01")
	pair, _, _ := counters.Get(ctx, "wakes_from:alice:bob:2026-08-01")
	if day != 2 {
		t.Errorf("daily counter = %d, want 2 (pair refusal rolled back)", day)
	}
	if pair != 1 {
		t.Errorf("pair counter = %d, want 1", pair)
	}
}

func TestWake_BusyDefersThenReplaysOnIdle(t *testing.T) {
	state := "working"
	w, rec, _ := newTestWaker(config.WakeConfig{}, func(string) string { return state })
	ctx := context.Background()

	if d, _ := w.Handle(ctx, "alice", "bob"); d != WakeDeferred {
		t.Fatal("busy wake not deferred")
	}
	if len(rec.agents) != 0 {
		t.Fatal("deferred wake enqueued immediately")
	}

	state = "idle"
	w.NotifyIdle(ctx, "alice")
	if len(rec.agents) != 1 || rec.froms[0] != "bob" {
		t.Errorf("deferred wake not replayed: %v from %v", rec.agents, rec.froms)
	}
	// Replaying consumed the deferral.
	w.NotifyIdle(ctx, "alice")
	if len(rec.agents) != 1 {
		t.Errorf("idle notification replayed twice: %v", rec.agents)
	}
}

func TestWake_BusyDeferConsumesNothing(t *testing.T) {
	state := "working"
	w, _, counters := newTestWaker(config.WakeConfig{
		CooldownSeconds: 60, MaxWakesPerDay: 20, MaxWakesPerPairPerDay: 5,
	}, func(string) string { return state })
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	if d, _ := w.Handle(ctx, "alice", "bob"); d != WakeDeferred {
		t.Fatal("busy wake not deferred")
	}

	// Deferral leaves both counters untouched.
	day, _, _ := counters.Get(ctx, "wakes:alice:2026-08-01")
	pair, _, _ := counters.Get(ctx, "wakes_from:alice:bob:2026-08-01")
	if day != 0 || pair != 0 {
		t.Errorf("deferred wake consumed counters: day=%d pair=%d, want 0/0", day, pair)
	}

	// And starts no cooldown: a wake one second later, once idle, passes.
	state = "idle"
	now = now.Add(time.Second)
	if d, _ := w.Handle(ctx, "alice", "carol"); d != WakeAccepted {
		t.Errorf("wake after deferral = %v, want accepted (no cooldown consumed)", d)
	}
}

func TestWake_AcceptedWakeFiresDespiteRoutines(t *testing.T) {
	ran := make(chan string, 1)
	runner := RunnerFunc(func(_ context.Context, agentID string, pc Context) (Result, error) {
		if pc.Source != schedule.SourceManual {
			t.Errorf("source = %v, want manual", pc.Source)
		}
		ran <- agentID
		return Result{Success: true}, nil
	})
	e, sched := newTestExecutor(t, runner, Deps{})
	if err := sched.SetRoutineSchedule(schedule.Routine{
		ID: "r1", AgentID: "alice", Name: "triage",
		IntervalMinutes: 30, OffsetMinutes: 0, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	// Wakes feed the executor directly; routines suppress only the
	// legacy schedule, never a wake.
	w := NewWaker(nil, counter.NewMemory(), config.WakeConfig{}, nil,
		func(ctx context.Context, agentID, from string) {
			if _, err := e.TriggerManual(ctx, agentID, "", 0); err != nil {
				t.Errorf("manual trigger failed: %v", err)
			}
		})

	if d, err := w.Handle(context.Background(), "alice", "bob"); err != nil || d != WakeAccepted {
		t.Fatalf("wake = %v, %v", d, err)
	}
	select {
	case agent := <-ran:
		if agent != "alice" {
			t.Errorf("pulse ran for %q, want alice", agent)
		}
	default:
		t.Fatal("accepted wake never reached the runner")
	}
}

func TestWake_CounterTTLSetOnFirstIncrement(t *testing.T) {
	w, _, counters := newTestWaker(config.WakeConfig{}, nil)
	ctx := context.Background()

	if _, err := w.Handle(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	day := time.Now().UTC().Format("2006-01-02")
	if _, ok, _ := counters.Get(ctx, "wakes:alice:"+day); !ok {
		t.Fatal("daily counter missing")
	}
}

func TestAgentFromWakeTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
	}{
		{"agent:alice:wake", "alice"},
		{"agent:team-lead:wake", "team-lead"},
		{"agent:alice:sleep", ""},
		{"channel:credentials-changed", ""},
	}
	for _, tc := range cases {
		if got := agentFromWakeTopic(tc.topic); got != tc.want {
			t.Errorf("agentFromWakeTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}
