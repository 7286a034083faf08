package schedule

import (
	"fmt"
	"sort"
	"time"
)

// conflictWindow groups pulses whose fire times fall within one minute of
// each other into a reported conflict.
const conflictWindow = time.Minute

// ConflictSeverity grades how crowded a conflict window is.
type ConflictSeverity string

const (
	SeverityWarning  ConflictSeverity = "warning"  // 2–3 pulses
	SeverityCritical ConflictSeverity = "critical" // 4 or more
)

// Conflict is a cluster of pulses scheduled within the conflict window.
type Conflict struct {
	At       time.Time        `json:"at"`
	Pulses   []ScheduledPulse `json:"pulses"`
	Severity ConflictSeverity `json:"severity"`
}

// Timeline is the read-only schedule projection for dashboards. It never
// affects firing.
type Timeline struct {
	WindowStart time.Time        `json:"windowStart"`
	WindowEnd   time.Time        `json:"windowEnd"`
	Pulses      []ScheduledPulse `json:"pulses"`
	Conflicts   []Conflict       `json:"conflicts"`
	Summary     string           `json:"summary"`
}

// ComputeTimeline projects all pulses in [now, now+horizonHours), sorted by
// fire time, with conflict clustering.
func (s *Scheduler) ComputeTimeline(now time.Time, horizonHours int) Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := now.Add(time.Duration(horizonHours) * time.Hour)
	var pulses []ScheduledPulse

	for _, r := range s.routines {
		if !r.Enabled {
			continue
		}
		pulses = append(pulses, projectCore(r.core(), now, end, s.loc, func(at time.Time, src PulseSource) ScheduledPulse {
			return ScheduledPulse{AgentID: r.AgentID, RoutineID: r.ID, RoutineName: r.Name, ScheduledAt: at, Source: src}
		})...)
	}
	for agentID, sched := range s.agentSchedules {
		if !sched.Enabled || s.hasRoutinesLocked(agentID) {
			continue
		}
		id := agentID
		pulses = append(pulses, projectCore(sched.core(), now, end, s.loc, func(at time.Time, src PulseSource) ScheduledPulse {
			return ScheduledPulse{AgentID: id, ScheduledAt: at, Source: src}
		})...)
	}

	sort.Slice(pulses, func(i, j int) bool {
		a, b := pulses[i], pulses[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		return a.RoutineID < b.RoutineID
	})

	conflicts := findConflicts(pulses)

	return Timeline{
		WindowStart: now,
		WindowEnd:   end,
		Pulses:      pulses,
		Conflicts:   conflicts,
		Summary: fmt.Sprintf("%d pulses in next %dh, %d conflicts",
			len(pulses), horizonHours, len(conflicts)),
	}
}

// projectCore enumerates every fire of one schedule within [now, end).
func projectCore(c scheduleCore, now, end time.Time, loc *time.Location, mk func(time.Time, PulseSource) ScheduledPulse) []ScheduledPulse {
	var out []ScheduledPulse

	for _, t := range c.oneOffs {
		if !t.Before(now) && t.Before(end) {
			out = append(out, mk(t, SourceOneOff))
		}
	}

	cursor := now
	last := c.lastFire
	// Cap iterations: a 5-minute interval over a 48h horizon is 576 fires.
	for i := 0; i < 4096; i++ {
		cc := c
		cc.lastFire = last
		cc.oneOffs = nil
		at := nextRecurring(cc, cursor, loc)
		if at.IsZero() || !at.Before(end) {
			break
		}
		out = append(out, mk(at, SourceRecurring))
		last = at
		cursor = at.Add(time.Minute)
	}
	return out
}

// findConflicts clusters time-sorted pulses whose neighbours are within the
// conflict window.
func findConflicts(pulses []ScheduledPulse) []Conflict {
	var conflicts []Conflict
	i := 0
	for i < len(pulses) {
		j := i + 1
		for j < len(pulses) && pulses[j].ScheduledAt.Sub(pulses[j-1].ScheduledAt) <= conflictWindow {
			j++
		}
		if n := j - i; n >= 2 {
			sev := SeverityWarning
			if n >= 4 {
				sev = SeverityCritical
			}
			cluster := make([]ScheduledPulse, n)
			copy(cluster, pulses[i:j])
			conflicts = append(conflicts, Conflict{
				At:       pulses[i].ScheduledAt,
				Pulses:   cluster,
				Severity: sev,
			})
		}
		i = j
	}
	return conflicts
}
