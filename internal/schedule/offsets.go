package schedule

import (
	"log/slog"
	"sort"
)

// AutoAssignOffsets spreads agents that share an interval evenly within the
// hour: the k-th of N agents (stable order) gets floor(60*k/N). Only
// schedules whose offset is unset or collides with another agent's offset
// in the same interval group are reassigned.
func (s *Scheduler) AutoAssignOffsets() {
	s.mu.Lock()
	changed := s.autoAssignLocked()
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// offsetSlot is one schedule participating in offset assignment.
type offsetSlot struct {
	agentID string
	key     string // agentID or agentID+routineID for stable ordering
	get     func() int
	set     func(int)
}

func (s *Scheduler) autoAssignLocked() bool {
	groups := make(map[int][]offsetSlot)

	for agentID, sched := range s.agentSchedules {
		if s.hasRoutinesLocked(agentID) {
			continue
		}
		sc := sched
		groups[sched.IntervalMinutes] = append(groups[sched.IntervalMinutes], offsetSlot{
			agentID: agentID,
			key:     agentID,
			get:     func() int { return sc.OffsetMinutes },
			set:     func(v int) { sc.OffsetMinutes = v },
		})
	}
	for id, r := range s.routines {
		if r.CronExpr != "" {
			continue
		}
		rr := r
		groups[r.IntervalMinutes] = append(groups[r.IntervalMinutes], offsetSlot{
			agentID: r.AgentID,
			key:     r.AgentID + "/" + id,
			get:     func() int { return rr.OffsetMinutes },
			set:     func(v int) { rr.OffsetMinutes = v },
		})
	}

	changed := false
	for interval, slots := range groups {
		sort.Slice(slots, func(i, j int) bool { return slots[i].key < slots[j].key })

		// Offsets already claimed by other agents in this group.
		taken := make(map[int]string) // offset → agentID
		for _, slot := range slots {
			off := slot.get()
			if off == OffsetUnset {
				continue
			}
			if _, ok := taken[off]; !ok {
				taken[off] = slot.agentID
			}
		}

		n := len(slots)
		for k, slot := range slots {
			off := slot.get()
			owner, collides := taken[off]
			if off != OffsetUnset && (!collides || owner == slot.agentID) {
				continue
			}
			assigned := 60 * k / n
			slot.set(assigned)
			taken[assigned] = slot.agentID
			changed = true
			slog.Info("auto-assigned pulse offset",
				"agent", slot.agentID, "interval", interval, "offset", assigned)
		}
	}
	return changed
}
