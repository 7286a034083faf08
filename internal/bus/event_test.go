package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestCursorLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "1-0", true},
		{"1-0", "", false},
		{"1-0", "1-0", false},
		{"1-0", "1-1", true},
		{"1-9", "2-0", true},
		{"10-0", "9-5", false},
		{"1712345678901-0", "1712345678901-1", true},
		{"1712345678901-2", "1712345678902-0", true},
	}
	for _, tt := range tests {
		if got := CursorLess(tt.a, tt.b); got != tt.want {
			t.Errorf("CursorLess(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDecodeEntry_RoundTrip(t *testing.T) {
	ev := Event{
		Type:       "tool_start",
		SessionID:  "pulse_alice_1712345678000",
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		ToolCallID: "call_42",
		Payload:    MarshalPayload(map[string]string{"tool": "inbox_read"}),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeEntry(redis.XMessage{
		ID:     "1712345678000-3",
		Values: map[string]any{"type": ev.Type, "body": string(body)},
	})
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if got.ID != "1712345678000-3" {
		t.Errorf("ID = %q, want stream entry id", got.ID)
	}
	if got.Type != ev.Type || got.ToolCallID != ev.ToolCallID {
		t.Errorf("decoded event mismatch: %+v", got)
	}
	if got.PayloadString("tool") != "inbox_read" {
		t.Errorf("PayloadString(tool) = %q", got.PayloadString("tool"))
	}
}

func TestDecodeEntry_MissingBody(t *testing.T) {
	_, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{"type": "x"}})
	if err == nil {
		t.Fatal("expected error for entry without body")
	}
}

func TestEvent_PayloadBool(t *testing.T) {
	ev := Event{Payload: MarshalPayload(map[string]any{"success": true})}
	if !ev.PayloadBool("success") {
		t.Error("PayloadBool(success) = false, want true")
	}
	if ev.PayloadBool("missing") {
		t.Error("PayloadBool(missing) = true, want false")
	}
	if (Event{}).PayloadBool("success") {
		t.Error("empty payload should report false")
	}
}
