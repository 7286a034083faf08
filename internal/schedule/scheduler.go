// Package schedule computes when agent pulses fire. The Scheduler is purely
// computational: it owns routine and legacy schedule state and answers
// "what fires next", while the pulse executor owns the single timer that
// drives actual firing.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler maintains per-agent legacy schedules and per-routine schedules.
// An agent with at least one routine never fires through its legacy
// schedule; deleting the last routine re-activates the legacy schedule,
// including any still-future one-offs on it.
type Scheduler struct {
	mu             sync.RWMutex
	agentSchedules map[string]*AgentSchedule // keyed by agentID
	routines       map[string]*Routine       // keyed by routineID
	loc            *time.Location
	onChange       func()
}

// New creates an empty Scheduler. Blackout clock ranges are evaluated in
// loc; nil means the process-local zone.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		agentSchedules: make(map[string]*AgentSchedule),
		routines:       make(map[string]*Routine),
		loc:            loc,
	}
}

// OnChange registers a callback invoked after any schedule mutation so the
// executor can re-arm its timer. Invoked without the lock held.
func (s *Scheduler) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Scheduler) notify() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetAgentSchedule upserts the legacy schedule for an agent. Idempotent.
func (s *Scheduler) SetAgentSchedule(agentID string, sched AgentSchedule) error {
	sched.AgentID = agentID
	if err := sched.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.agentSchedules[agentID] = &sched
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetRoutineSchedule upserts a routine. Idempotent.
func (s *Scheduler) SetRoutineSchedule(r Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.routines[r.ID] = &r
	s.mu.Unlock()
	s.notify()
	return nil
}

// RemoveRoutine deletes a routine and notifies. Removing the last routine
// of an agent re-activates that agent's legacy schedule.
func (s *Scheduler) RemoveRoutine(routineID string) {
	s.mu.Lock()
	r, ok := s.routines[routineID]
	if ok {
		delete(s.routines, routineID)
	}
	s.mu.Unlock()
	if ok {
		slog.Info("routine removed", "routine", routineID, "agent", r.AgentID)
		s.notify()
	}
}

// GetRoutine returns a copy of the routine.
func (s *Scheduler) GetRoutine(routineID string) (Routine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routines[routineID]
	if !ok {
		return Routine{}, false
	}
	return *r, true
}

// GetAgentRoutines returns copies of all routines for an agent, in stable
// id order.
func (s *Scheduler) GetAgentRoutines(agentID string) []Routine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Routine
	for _, r := range s.routines {
		if r.AgentID == agentID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddOneOffPulse registers an absolute one-off fire time. When routineID is
// empty the one-off lands on the agent's legacy schedule; it is honoured
// only while the agent has zero routines (and again after the last routine
// is deleted).
func (s *Scheduler) AddOneOffPulse(agentID, routineID string, at time.Time) error {
	s.mu.Lock()
	defer func() { s.mu.Unlock(); s.notify() }()

	if routineID != "" {
		r, ok := s.routines[routineID]
		if !ok {
			return fmt.Errorf("routine %s not found", routineID)
		}
		if !containsTime(r.OneOffs, at) {
			r.OneOffs = append(r.OneOffs, at)
		}
		return nil
	}

	sched, ok := s.agentSchedules[agentID]
	if !ok {
		sched = &AgentSchedule{AgentID: agentID, IntervalMinutes: MinIntervalMinutes, OffsetMinutes: OffsetUnset, Enabled: false}
		s.agentSchedules[agentID] = sched
	}
	if !containsTime(sched.OneOffs, at) {
		sched.OneOffs = append(sched.OneOffs, at)
	}
	return nil
}

// RemoveOneOffPulse removes a previously added one-off.
func (s *Scheduler) RemoveOneOffPulse(agentID, routineID string, at time.Time) {
	s.mu.Lock()
	if routineID != "" {
		if r, ok := s.routines[routineID]; ok {
			r.OneOffs = removeTime(r.OneOffs, at)
		}
	} else if sched, ok := s.agentSchedules[agentID]; ok {
		sched.OneOffs = removeTime(sched.OneOffs, at)
	}
	s.mu.Unlock()
	s.notify()
}

// RecordRun updates run statistics after a non-skipped pulse, which also
// advances the schedule's earliest next fire by one interval.
func (s *Scheduler) RecordRun(agentID, routineID string, at time.Time) {
	s.mu.Lock()
	if routineID != "" {
		if r, ok := s.routines[routineID]; ok {
			r.Stats.LastRunAt = at
			r.Stats.TotalRuns++
		}
	} else if sched, ok := s.agentSchedules[agentID]; ok {
		sched.Stats.LastRunAt = at
		sched.Stats.TotalRuns++
	}
	s.mu.Unlock()
}

// hasRoutinesLocked reports whether the agent has any routine at all.
// Disabled routines still suppress the legacy schedule.
func (s *Scheduler) hasRoutinesLocked(agentID string) bool {
	for _, r := range s.routines {
		if r.AgentID == agentID {
			return true
		}
	}
	return false
}

// GetNextPulseTime returns the earliest pending pulse across all enabled
// schedules, or nil when nothing is scheduled. Stale one-offs (already in
// the past at call time) are pruned as a side effect.
func (s *Scheduler) GetNextPulseTime(now time.Time) *ScheduledPulse {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneStaleOneOffsLocked(now)

	var best *ScheduledPulse

	routineIDs := make([]string, 0, len(s.routines))
	for id := range s.routines {
		routineIDs = append(routineIDs, id)
	}
	sort.Strings(routineIDs)
	for _, id := range routineIDs {
		r := s.routines[id]
		if !r.Enabled {
			continue
		}
		at, source := nextFire(r.core(), now, s.loc)
		if at.IsZero() {
			continue
		}
		cand := &ScheduledPulse{AgentID: r.AgentID, RoutineID: r.ID, RoutineName: r.Name, ScheduledAt: at, Source: source}
		best = earlier(best, cand)
	}

	agentIDs := make([]string, 0, len(s.agentSchedules))
	for id := range s.agentSchedules {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		sched := s.agentSchedules[id]
		if s.hasRoutinesLocked(id) {
			continue // routines supersede the legacy path entirely
		}
		core := sched.core()
		if !sched.Enabled {
			// Disabled legacy schedules still honour explicit one-offs.
			core.interval = 0
			core.cronExpr = ""
		}
		at, source := nextFire(core, now, s.loc)
		if at.IsZero() {
			continue
		}
		cand := &ScheduledPulse{AgentID: id, ScheduledAt: at, Source: source}
		best = earlier(best, cand)
	}

	return best
}

// earlier picks the winning pulse: smaller scheduledAt; on ties one-off
// beats recurring; among same source, lexicographic (agentId, routineId).
func earlier(a, b *ScheduledPulse) *ScheduledPulse {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		if a.ScheduledAt.Before(b.ScheduledAt) {
			return a
		}
		return b
	}
	if a.Source != b.Source {
		if a.Source == SourceOneOff {
			return a
		}
		if b.Source == SourceOneOff {
			return b
		}
	}
	if a.AgentID != b.AgentID {
		if a.AgentID < b.AgentID {
			return a
		}
		return b
	}
	if a.RoutineID <= b.RoutineID {
		return a
	}
	return b
}

// ConsumeOneOff removes a fired one-off timestamp from its schedule.
func (s *Scheduler) ConsumeOneOff(agentID, routineID string, at time.Time) {
	s.mu.Lock()
	if routineID != "" {
		if r, ok := s.routines[routineID]; ok {
			r.OneOffs = removeTime(r.OneOffs, at)
		}
	} else if sched, ok := s.agentSchedules[agentID]; ok {
		sched.OneOffs = removeTime(sched.OneOffs, at)
	}
	s.mu.Unlock()
}

func (s *Scheduler) pruneStaleOneOffsLocked(now time.Time) {
	for _, r := range s.routines {
		r.OneOffs = pruneBefore(r.OneOffs, now)
	}
	for _, sched := range s.agentSchedules {
		sched.OneOffs = pruneBefore(sched.OneOffs, now)
	}
}

func pruneBefore(times []time.Time, now time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Before(now) {
			kept = append(kept, t)
		}
	}
	return kept
}

func containsTime(times []time.Time, at time.Time) bool {
	for _, t := range times {
		if t.Equal(at) {
			return true
		}
	}
	return false
}

func removeTime(times []time.Time, at time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Equal(at) {
			kept = append(kept, t)
		}
	}
	return kept
}
