// Package sessions tracks active agent sessions and builds session ids.
//
// Session ids are stable and derived from their origin:
//
//	Pulse (legacy):  pulse_{agentId}_{scheduledAtMs}
//	Pulse (routine): pulse_{agentId}_{routineId}_{scheduledAtMs}
//	Channel:         chan_{sender}_{agentId}
package sessions

import (
	"fmt"
	"strings"
	"time"
)

// PulseSessionID builds the session id for a scheduled pulse.
func PulseSessionID(agentID, routineID string, scheduledAt time.Time) string {
	if routineID == "" {
		return fmt.Sprintf("pulse_%s_%d", agentID, scheduledAt.UnixMilli())
	}
	return fmt.Sprintf("pulse_%s_%s_%d", agentID, routineID, scheduledAt.UnixMilli())
}

// ChannelSessionID builds the session id for a channel conversation.
// The sender identity is normalised (E.164 or platform user id) by the
// bridge before it gets here.
func ChannelSessionID(sender, agentID string) string {
	return fmt.Sprintf("chan_%s_%s", sanitize(sender), agentID)
}

// IsPulseSession reports whether a session id came from the scheduler.
func IsPulseSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, "pulse_")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', ':', ' ', '/':
			return '-'
		}
		return r
	}, s)
}
