package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

func ev(eventType string, payload map[string]any) bus.Event {
	return bus.Event{Type: eventType, Payload: bus.MarshalPayload(payload)}
}

func toolEv(eventType, callID string, payload map[string]any) bus.Event {
	e := ev(eventType, payload)
	e.ToolCallID = callID
	return e
}

func TestStreamer_BlockSwitchCommits(t *testing.T) {
	s := NewStreamer("s1", Hooks{})

	s.Apply(ev(protocol.EventThinkingDelta, map[string]any{"text": "hmm "}))
	s.Apply(ev(protocol.EventThinkingDelta, map[string]any{"text": "ok"}))
	s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "answer"}))

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Kind != KindThinking || msgs[0].Text != "hmm ok" || msgs[0].Streaming {
		t.Errorf("thinking block = %+v, want committed 'hmm ok'", msgs[0])
	}
	if msgs[1].Kind != KindText || msgs[1].Text != "answer" || !msgs[1].Streaming {
		t.Errorf("output block = %+v, want streaming 'answer'", msgs[1])
	}
}

func TestStreamer_TurnEndCommitsAllPlaceholders(t *testing.T) {
	var turnEnds []bool
	s := NewStreamer("s1", Hooks{OnTurnEnd: func(ok bool) { turnEnds = append(turnEnds, ok) }})

	s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "partial"}))
	// Tool that never reports back stays streaming until turn end.
	s.Apply(toolEv(protocol.EventToolStart, "t1", map[string]any{"name": "search"}))
	s.Apply(ev(protocol.EventTurnEnd, map[string]any{"success": true}))

	for i, m := range s.Messages() {
		if m.Streaming {
			t.Errorf("message %d still streaming after turn_end: %+v", i, m)
		}
	}
	if len(turnEnds) != 1 || !turnEnds[0] {
		t.Errorf("turn end callbacks = %v, want [true]", turnEnds)
	}
}

func TestStreamer_ToolLifecycle(t *testing.T) {
	s := NewStreamer("s1", Hooks{})

	s.Apply(toolEv(protocol.EventToolStart, "t1", map[string]any{"name": "search"}))
	s.Apply(toolEv(protocol.EventToolEnd, "t1", map[string]any{"result": "3 hits", "durationMs": 120}))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Kind != KindToolCall || m.ToolName != "search" || m.ToolResult != "3 hits" ||
		m.DurationMs != 120 || m.Streaming {
		t.Errorf("tool message = %+v", m)
	}
}

func TestStreamer_ToolEndUnknownIDFallsBack(t *testing.T) {
	s := NewStreamer("s1", Hooks{})

	s.Apply(toolEv(protocol.EventToolStart, "t1", map[string]any{"name": "search"}))
	s.Apply(toolEv(protocol.EventToolEnd, "mystery", map[string]any{"error": "timed out"}))

	msgs := s.Messages()
	if msgs[0].ToolError != "timed out" || msgs[0].Streaming {
		t.Errorf("fallback did not hit the open tool call: %+v", msgs[0])
	}

	// Nothing unterminated left: the event is ignored, no panic.
	s.Apply(toolEv(protocol.EventToolEnd, "another", nil))
	if got := len(s.Messages()); got != 1 {
		t.Errorf("messages = %d after ignored tool_end", got)
	}
}

func TestStreamer_StepEndFailureAppendsError(t *testing.T) {
	var steps []bool
	s := NewStreamer("s1", Hooks{OnStepEnd: func(ok bool) { steps = append(steps, ok) }})

	s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "part"}))
	s.Apply(ev(protocol.EventStepEnd, map[string]any{"success": false}))

	msgs := s.Messages()
	last := msgs[len(msgs)-1]
	if last.Kind != KindError || !strings.Contains(last.Text, "provider configuration") {
		t.Errorf("last message = %+v, want generic failure text", last)
	}
	if len(steps) != 1 || steps[0] {
		t.Errorf("step callbacks = %v, want [false]", steps)
	}
}

func TestStreamer_AbortThenTurnEnd(t *testing.T) {
	turnEnds := 0
	s := NewStreamer("s1", Hooks{OnTurnEnd: func(bool) { turnEnds++ }})

	s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "partial answer"}))
	s.Apply(ev(protocol.EventResponseAborted, nil))
	s.Apply(ev(protocol.EventTurnEnd, map[string]any{"success": true}))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if !strings.HasSuffix(msgs[0].Text, "[stopped]") {
		t.Errorf("text = %q, want [stopped] marker", msgs[0].Text)
	}
	if strings.Count(msgs[0].Text, "[stopped]") != 1 {
		t.Errorf("marker appended more than once: %q", msgs[0].Text)
	}
	if turnEnds != 0 {
		t.Errorf("turn_end side effects ran after abort: %d", turnEnds)
	}

	// The next turn behaves normally again.
	s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "fresh"}))
	s.Apply(ev(protocol.EventTurnEnd, map[string]any{"success": true}))
	if turnEnds != 1 {
		t.Errorf("subsequent turn_end suppressed: %d", turnEnds)
	}
}

func TestStreamer_AbortWithoutAssistantMessage(t *testing.T) {
	s := NewStreamer("s1", Hooks{})
	s.Apply(ev(protocol.EventResponseAborted, nil))

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Text != "Response stopped" {
		t.Errorf("messages = %+v, want one system 'Response stopped'", msgs)
	}
}

func TestStreamer_TokenDeltasCoalesce(t *testing.T) {
	var mu sync.Mutex
	updates := 0
	s := NewStreamer("s1", Hooks{OnUpdate: func([]Message) {
		mu.Lock()
		updates++
		mu.Unlock()
	}})
	s.flushInterval = 5 * time.Millisecond

	for i := 0; i < 10; i++ {
		s.Apply(ev(protocol.EventOutputDelta, map[string]any{"text": "x"}))
	}
	mu.Lock()
	immediate := updates
	mu.Unlock()
	if immediate != 0 {
		t.Errorf("token deltas notified synchronously %d times", immediate)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := updates
		mu.Unlock()
		if n >= 1 {
			if n > 3 {
				t.Errorf("flushes = %d, want coalesced", n)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("coalesced flush never fired")
		}
		time.Sleep(time.Millisecond)
	}

	// Structural events notify synchronously.
	mu.Lock()
	before := updates
	mu.Unlock()
	s.Apply(toolEv(protocol.EventToolStart, "t1", map[string]any{"name": "search"}))
	mu.Lock()
	after := updates
	mu.Unlock()
	if after != before+1 {
		t.Errorf("structural event did not notify synchronously: %d → %d", before, after)
	}
}
