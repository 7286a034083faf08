package store

import (
	"context"
	"testing"

	"github.com/fleetworks/fleetd/internal/schedule"
)

func TestMemory_SessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.GetOrCreateSession(ctx, "chan_u1_alice", "alice", "telegram", "u1", "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AgentID != "alice" || rec.Model != "claude-sonnet" {
		t.Errorf("record = %+v", rec)
	}

	// Idempotent: second call returns the existing row unchanged.
	again, _ := m.GetOrCreateSession(ctx, "chan_u1_alice", "bob", "telegram", "u1", "other")
	if again.AgentID != "alice" {
		t.Errorf("GetOrCreate overwrote existing session: %+v", again)
	}

	if err := m.UpdateSessionModel(ctx, "chan_u1_alice", "claude-opus"); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := m.GetSession(ctx, "chan_u1_alice")
	if !ok || got.Model != "claude-opus" {
		t.Errorf("model update lost: %+v", got)
	}
}

func TestMemory_DeleteSessionCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.GetOrCreateSession(ctx, "s1", "alice", "telegram", "u1", "")
	id, err := m.AppendMessage(ctx, MessageRecord{SessionID: "s1", Role: "user", Content: "hi"})
	if err != nil || id == "" {
		t.Fatalf("append: %q, %v", id, err)
	}
	m.AppendMessage(ctx, MessageRecord{SessionID: "s1", Role: "assistant", Status: "streaming"})

	if err := m.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.GetSession(ctx, "s1"); ok {
		t.Fatal("session survived delete")
	}
	msgs, _ := m.ListMessages(ctx, "s1")
	if len(msgs) != 0 {
		t.Errorf("messages survived session delete: %d", len(msgs))
	}
}

func TestMemory_PlaceholderCommit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.GetOrCreateSession(ctx, "s1", "alice", "", "", "")
	id, _ := m.AppendMessage(ctx, MessageRecord{SessionID: "s1", Role: "assistant", Status: "streaming"})

	if err := m.UpdateMessage(ctx, id, "final text", "done"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := m.ListMessages(ctx, "s1")
	if len(msgs) != 1 || msgs[0].Content != "final text" || msgs[0].Status != "done" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMemory_RoutineRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r := schedule.Routine{ID: "r1", AgentID: "alice", Name: "triage", IntervalMinutes: 30, Enabled: true}
	if err := m.SaveRoutine(ctx, r); err != nil {
		t.Fatal(err)
	}
	list, _ := m.ListRoutines(ctx)
	if len(list) != 1 || list[0].Name != "triage" {
		t.Fatalf("routines = %+v", list)
	}
	m.DeleteRoutine(ctx, "r1")
	list, _ = m.ListRoutines(ctx)
	if len(list) != 0 {
		t.Errorf("routine survived delete: %+v", list)
	}
}
