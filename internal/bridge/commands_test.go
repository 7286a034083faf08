package bridge

import (
	"context"
	"strings"
	"testing"

	"github.com/fleetworks/fleetd/internal/routing"
	"github.com/fleetworks/fleetd/internal/sessions"
	"github.com/fleetworks/fleetd/internal/store"
)

type fakeControl struct {
	stopped   []string
	modelSets map[string]string
	usage     ContextUsage
	usageErr  error
	compact   CompactResult
}

func (f *fakeControl) Stop(_ context.Context, sessionID string) error {
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeControl) UpdateModel(_ context.Context, sessionID, model string) error {
	if f.modelSets == nil {
		f.modelSets = map[string]string{}
	}
	f.modelSets[sessionID] = model
	return nil
}

func (f *fakeControl) ContextUsage(context.Context, string) (ContextUsage, error) {
	return f.usage, f.usageErr
}

func (f *fakeControl) Compact(context.Context, string, string) (CompactResult, error) {
	return f.compact, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *fakeControl, *routing.StickyMap) {
	t.Helper()
	mem := store.NewMemory()
	ctl := &fakeControl{}
	sticky := routing.NewStickyMap(0)
	d := NewDispatcher(mem, mem, ctl, sticky)
	return d, mem, ctl, sticky
}

func TestDispatcher_NonCommandPassesThrough(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	if _, handled := d.Handle(context.Background(), "telegram", "u1", "alice", "hello there"); handled {
		t.Fatal("plain text treated as command")
	}
	if _, handled := d.Handle(context.Background(), "telegram", "u1", "alice", "/definitely_unknown"); handled {
		t.Fatal("unknown command should fall through to the agent")
	}
}

func TestDispatcher_Help(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	reply, handled := d.Handle(context.Background(), "telegram", "u1", "alice", "/help")
	if !handled || !strings.Contains(reply, "/model") {
		t.Errorf("help reply = %q handled=%v", reply, handled)
	}
	// Telegram suffixes the bot name.
	if _, handled := d.Handle(context.Background(), "telegram", "u1", "alice", "/help@fleetbot"); !handled {
		t.Error("bot-suffixed command not recognised")
	}
}

func TestDispatcher_NewResetsSessionAndSticky(t *testing.T) {
	d, mem, ctl, sticky := newTestDispatcher(t)
	ctx := context.Background()

	sessionID := sessions.ChannelSessionID("u1", "alice")
	mem.GetOrCreateSession(ctx, sessionID, "alice", "telegram", "u1", "")
	mem.AppendMessage(ctx, store.MessageRecord{SessionID: sessionID, Role: "user", Content: "hi"})
	sticky.Bind("telegram", "u1", "alice")

	_, handled := d.Handle(ctx, "telegram", "u1", "alice", "/new")
	if !handled {
		t.Fatal("not handled")
	}
	if len(ctl.stopped) != 1 || ctl.stopped[0] != sessionID {
		t.Errorf("stopped = %v", ctl.stopped)
	}
	if _, ok, _ := mem.GetSession(ctx, sessionID); ok {
		t.Error("session survived /new")
	}
	if _, ok := sticky.Resolve("telegram", "u1"); ok {
		t.Error("sticky binding survived /new")
	}
}

func TestDispatcher_ModelRecordsOverrideAndSwitchesLive(t *testing.T) {
	d, mem, ctl, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply, handled := d.Handle(ctx, "telegram", "u1", "alice", "/model")
	if !handled || !strings.Contains(reply, "usage") {
		t.Errorf("bare /model reply = %q", reply)
	}

	// No session yet: override recorded for the next message.
	d.Handle(ctx, "telegram", "u1", "alice", "/model claude-opus")
	if got := d.ModelOverride("telegram", "u1"); got != "claude-opus" {
		t.Errorf("override = %q", got)
	}

	// Active session: live switch plus persisted model.
	sessionID := sessions.ChannelSessionID("u1", "alice")
	mem.GetOrCreateSession(ctx, sessionID, "alice", "telegram", "u1", "claude-opus")
	d.Handle(ctx, "telegram", "u1", "alice", "/model claude-sonnet")
	if ctl.modelSets[sessionID] != "claude-sonnet" {
		t.Errorf("live switch not applied: %v", ctl.modelSets)
	}
	rec, _, _ := mem.GetSession(ctx, sessionID)
	if rec.Model != "claude-sonnet" {
		t.Errorf("persisted model = %q", rec.Model)
	}
}

func TestDispatcher_ModelFavs(t *testing.T) {
	d, mem, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply, _ := d.Handle(ctx, "telegram", "u1", "alice", "/modelfavs")
	if !strings.Contains(reply, "no favourite") {
		t.Errorf("empty favs reply = %q", reply)
	}

	mem.SetModelFavorites("alice", []string{"claude-opus", "claude-sonnet"})
	reply, _ = d.Handle(ctx, "telegram", "u1", "alice", "/modelfavs")
	if !strings.Contains(reply, "claude-opus") || !strings.Contains(reply, "claude-sonnet") {
		t.Errorf("favs reply = %q", reply)
	}
}

func TestDispatcher_ContextAndStatus(t *testing.T) {
	d, _, ctl, _ := newTestDispatcher(t)
	ctx := context.Background()

	ctl.usage = ContextUsage{Percent: 42, UsedTokens: 84000, ContextWindow: 200000, Model: "claude-opus"}
	reply, _ := d.Handle(ctx, "telegram", "u1", "alice", "/context")
	if !strings.Contains(reply, "42%") || !strings.Contains(reply, "claude-opus") {
		t.Errorf("context reply = %q", reply)
	}
	reply, _ = d.Handle(ctx, "telegram", "u1", "alice", "/status")
	if !strings.Contains(reply, "claude-opus") {
		t.Errorf("status reply = %q", reply)
	}
}

func TestDispatcher_Compact(t *testing.T) {
	d, _, ctl, _ := newTestDispatcher(t)
	ctl.compact = CompactResult{TokensBefore: 100000, TokensAfter: 20000}
	reply, _ := d.Handle(context.Background(), "telegram", "u1", "alice", "/compact keep the decisions")
	if !strings.Contains(reply, "100000") || !strings.Contains(reply, "20000") {
		t.Errorf("compact reply = %q", reply)
	}
}
