package schedule

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// PulseSource tells what triggered a pulse.
type PulseSource string

const (
	SourceRecurring PulseSource = "recurring"
	SourceOneOff    PulseSource = "one-off"
	SourceManual    PulseSource = "manual"
)

// OffsetUnset marks a schedule whose offset has not been chosen yet;
// AutoAssignOffsets fills these in.
const OffsetUnset = -1

// Interval bounds for recurring schedules, in minutes.
const (
	MinIntervalMinutes = 5
	MaxIntervalMinutes = 1440
)

// Blackout is a window during which a schedule must not fire. Either the
// recurring clock range (StartTime/EndTime, "HH:MM", may wrap midnight) or
// the absolute Start/End pair is set.
type Blackout struct {
	StartTime string    `json:"startTime,omitempty"`
	EndTime   string    `json:"endTime,omitempty"`
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
}

// RoutineOverrides tunes how the session runner executes a routine's pulses.
// All fields are optional; zero values defer to agent defaults.
type RoutineOverrides struct {
	PulseColumns  []string `json:"pulseColumns,omitempty"`
	TimeoutMs     int      `json:"timeoutMs,omitempty"`
	PlanningModel string   `json:"planningModel,omitempty"`
	ExecutorModel string   `json:"executorModel,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	StageAffinity []string `json:"stageAffinity,omitempty"`
	TaskWorkTypes []string `json:"taskWorkTypes,omitempty"`
}

// RoutineStats tracks execution statistics for display.
type RoutineStats struct {
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	TotalRuns int       `json:"totalRuns"`
}

// Routine is a named recurring workload attached to an agent.
type Routine struct {
	ID                  string            `json:"id"`
	AgentID             string            `json:"agentId"`
	Name                string            `json:"name"`
	IntervalMinutes     int               `json:"intervalMinutes"`
	OffsetMinutes       int               `json:"offsetMinutes"` // OffsetUnset until assigned
	CronExpr            string            `json:"cronExpr,omitempty"`
	Blackouts           []Blackout        `json:"blackouts,omitempty"`
	OneOffs             []time.Time       `json:"oneOffs,omitempty"`
	Enabled             bool              `json:"enabled"`
	MaxConsecutiveSkips int               `json:"maxConsecutiveSkips,omitempty"` // default 5
	Instructions        string            `json:"instructions,omitempty"`
	Overrides           *RoutineOverrides `json:"overrides,omitempty"`
	Stats               RoutineStats      `json:"stats"`
	Color               string            `json:"color,omitempty"`
}

// AgentSchedule is the pre-routine schedule shape: a routine minus name,
// instructions, and overrides. Used only while an agent has zero routines.
type AgentSchedule struct {
	AgentID             string       `json:"agentId"`
	IntervalMinutes     int          `json:"intervalMinutes"`
	OffsetMinutes       int          `json:"offsetMinutes"`
	Blackouts           []Blackout   `json:"blackouts,omitempty"`
	OneOffs             []time.Time  `json:"oneOffs,omitempty"`
	Enabled             bool         `json:"enabled"`
	MaxConsecutiveSkips int          `json:"maxConsecutiveSkips,omitempty"`
	Stats               RoutineStats `json:"stats"`
}

// ScheduledPulse is the derived, ephemeral firing tuple. Never persisted.
type ScheduledPulse struct {
	AgentID     string      `json:"agentId"`
	RoutineID   string      `json:"routineId,omitempty"`
	RoutineName string      `json:"routineName,omitempty"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	Source      PulseSource `json:"source"`
}

// Validate checks routine invariants.
func (r *Routine) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("routine id is required")
	}
	if r.AgentID == "" {
		return fmt.Errorf("routine %s: agent id is required", r.ID)
	}
	if r.CronExpr != "" {
		if !gronx.New().IsValid(r.CronExpr) {
			return fmt.Errorf("routine %s: invalid cron expression %q", r.ID, r.CronExpr)
		}
		return nil
	}
	if r.IntervalMinutes < MinIntervalMinutes || r.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("routine %s: intervalMinutes %d out of range [%d,%d]",
			r.ID, r.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes)
	}
	if r.OffsetMinutes != OffsetUnset && (r.OffsetMinutes < 0 || r.OffsetMinutes > 59) {
		return fmt.Errorf("routine %s: offsetMinutes %d out of range [0,59]", r.ID, r.OffsetMinutes)
	}
	return nil
}

// Validate checks legacy schedule invariants.
func (s *AgentSchedule) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("agent schedule: agent id is required")
	}
	if s.IntervalMinutes < MinIntervalMinutes || s.IntervalMinutes > MaxIntervalMinutes {
		return fmt.Errorf("agent %s: intervalMinutes %d out of range [%d,%d]",
			s.AgentID, s.IntervalMinutes, MinIntervalMinutes, MaxIntervalMinutes)
	}
	if s.OffsetMinutes != OffsetUnset && (s.OffsetMinutes < 0 || s.OffsetMinutes > 59) {
		return fmt.Errorf("agent %s: offsetMinutes %d out of range [0,59]", s.AgentID, s.OffsetMinutes)
	}
	return nil
}

// MaxSkipsOrDefault returns the consecutive-skip warning threshold.
func (r *Routine) MaxSkipsOrDefault() int {
	if r.MaxConsecutiveSkips > 0 {
		return r.MaxConsecutiveSkips
	}
	return 5
}
