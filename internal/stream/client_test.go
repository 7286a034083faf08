package stream

import (
	"testing"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

func replayEv(id, eventType, messageID string) bus.Event {
	return bus.Event{
		ID:      id,
		Type:    eventType,
		Payload: bus.MarshalPayload(map[string]string{"messageId": messageID}),
	}
}

func TestClient_QueuesWhileLoadingAndDedupes(t *testing.T) {
	var applied []bus.Event
	c := NewClient(func(e bus.Event) { applied = append(applied, e) }, nil)

	// Replay batch arrives while history is still loading.
	c.Handle(replayEv("5-0", protocol.EventTurnEnd, "m1"))
	c.Handle(replayEv("6-0", protocol.EventTurnEnd, "m2"))
	if len(applied) != 0 {
		t.Fatalf("events applied before history loaded: %d", len(applied))
	}

	// m1 is already durable; its replayed event must be dropped.
	c.HistoryLoaded([]string{"m1"})

	if len(applied) != 1 || applied[0].ID != "6-0" {
		t.Fatalf("applied = %+v, want only 6-0", applied)
	}
	if got := c.Cursor(); got != "6-0" {
		t.Errorf("cursor = %q, want 6-0 (advanced past dropped events too)", got)
	}
}

func TestClient_LiveEventsApplyDirectly(t *testing.T) {
	var applied []bus.Event
	c := NewClient(func(e bus.Event) { applied = append(applied, e) }, nil)
	c.HistoryLoaded(nil)

	c.Handle(replayEv("7-0", protocol.EventOutputDelta, ""))
	c.Handle(replayEv("8-0", protocol.EventTurnEnd, ""))

	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if got := c.Cursor(); got != "8-0" {
		t.Errorf("cursor = %q, want 8-0", got)
	}
}

func TestClient_CursorNeverRegresses(t *testing.T) {
	c := NewClient(func(bus.Event) {}, nil)
	c.HistoryLoaded(nil)

	c.Handle(replayEv("10-0", protocol.EventOutputDelta, ""))
	c.Handle(replayEv("9-0", protocol.EventOutputDelta, ""))

	if got := c.Cursor(); got != "10-0" {
		t.Errorf("cursor = %q, want 10-0", got)
	}
}

func TestClient_TruncatedReplayTriggersResync(t *testing.T) {
	var applied []bus.Event
	resyncs := 0
	c := NewClient(func(e bus.Event) { applied = append(applied, e) }, func() { resyncs++ })
	c.HistoryLoaded(nil)

	truncated := bus.Event{
		Type:    protocol.EventSessionStatus,
		Payload: bus.MarshalPayload(map[string]string{"status": protocol.StatusReplayTruncated}),
	}
	c.Handle(truncated)

	if resyncs != 1 {
		t.Fatalf("resyncs = %d, want 1", resyncs)
	}
	// Back in the loading state: events queue again until the reload lands.
	c.Handle(replayEv("20-0", protocol.EventTurnEnd, "m9"))
	if len(applied) != 0 {
		t.Fatalf("event applied during resync: %+v", applied)
	}
	c.HistoryLoaded([]string{"m9"})
	if len(applied) != 0 {
		t.Errorf("already-durable event applied after resync: %+v", applied)
	}
}
