package bus

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is one entry on a session's durable stream. ID is assigned by Redis
// on publish (stream entry id, e.g. "1712345678901-0") and is strictly
// increasing within a session; subscribers use it as their replay cursor.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Timestamp  time.Time       `json:"ts"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PayloadString extracts a string field from the event payload.
func (e Event) PayloadString(key string) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool extracts a bool field from the event payload.
func (e Event) PayloadBool(key string) bool {
	if len(e.Payload) == 0 {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// MarshalPayload is a convenience for building event payloads.
func MarshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// CursorLess compares two stream entry ids ("ms-seq"). An empty cursor
// sorts before everything.
func CursorLess(a, b string) bool {
	if a == b {
		return false
	}
	if a == "" {
		return true
	}
	if b == "" {
		return false
	}
	ams, aseq := splitCursor(a)
	bms, bseq := splitCursor(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitCursor(c string) (int64, int64) {
	ms, seq, ok := strings.Cut(c, "-")
	if !ok {
		n, _ := strconv.ParseInt(c, 10, 64)
		return n, 0
	}
	m, _ := strconv.ParseInt(ms, 10, 64)
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}
