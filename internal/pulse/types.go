// Package pulse drives scheduled agent work: it arms the single timer for
// the scheduler's next fire, gates admission, gathers context, invokes the
// external session runner, and handles out-of-band wake notifications.
package pulse

import (
	"context"
	"time"

	"github.com/fleetworks/fleetd/internal/schedule"
)

// InboxMessage is one unread message summary handed to the runner.
type InboxMessage struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject,omitempty"`
	Body    string    `json:"body,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Task is an assigned work item handed to the runner.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Project  string `json:"project,omitempty"`
	WorkType string `json:"workType,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Context is the fully populated input to a session runner invocation.
type Context struct {
	SessionID        string                     `json:"sessionId"`
	Routine          *schedule.Routine          `json:"routine,omitempty"`
	Source           schedule.PulseSource       `json:"source"`
	ScheduledAt      time.Time                  `json:"scheduledAt"`
	UnreadCount      int                        `json:"unreadCount"`
	UnreadMessages   []InboxMessage             `json:"unreadMessages,omitempty"`
	Tasks            []Task                     `json:"tasks,omitempty"`
	ProjectOverrides map[string]string          `json:"projectOverrides,omitempty"`
	Overrides        *schedule.RoutineOverrides `json:"overrides,omitempty"`
}

// Result is what the session runner returns. Streaming events travel
// through the bus, never through this value.
type Result struct {
	Success bool     `json:"success"`
	Actions []string `json:"actions,omitempty"`
	Output  string   `json:"output,omitempty"`
}

// PulseResult records the outcome of one pulse. Skipped results are
// informational, never failures: skipped implies empty errors.
type PulseResult struct {
	AgentID     string               `json:"agentId"`
	RoutineID   string               `json:"routineId,omitempty"`
	Skipped     bool                 `json:"skipped"`
	UnreadCount int                  `json:"unreadCount"`
	Errors      []string             `json:"errors,omitempty"`
	Actions     []string             `json:"actions,omitempty"`
	Output      string               `json:"output,omitempty"`
	ScheduledAt time.Time            `json:"scheduledAt"`
	Source      schedule.PulseSource `json:"source"`
}

// Runner is the external session runner contract.
type Runner interface {
	RunSession(ctx context.Context, agentID string, pc Context) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, agentID string, pc Context) (Result, error)

func (f RunnerFunc) RunSession(ctx context.Context, agentID string, pc Context) (Result, error) {
	return f(ctx, agentID, pc)
}

// ContextStore supplies the per-pulse context fetches. Each failure is
// recorded in the pulse's errors and never aborts the pulse.
type ContextStore interface {
	UnreadCount(ctx context.Context, agentID string) (int, error)
	UnreadMessages(ctx context.Context, agentID string) ([]InboxMessage, error)
	AssignedTasks(ctx context.Context, agentID string) ([]Task, error)
	ProjectOverrides(ctx context.Context, agentID, routineID string) (map[string]string, error)
}

// SessionGate is the slice of the session registry the gate consumes.
type SessionGate interface {
	StartPulseSession(agentID, sessionID string) bool
	EndPulseSession(agentID, sessionID string)
}

// Deps is the executor's capability set. Optional fields degrade
// predictably when absent: nil notifiers are skipped, a nil Consolidate
// disables memory consolidation, a nil Registry falls back to the
// idle-state check.
type Deps struct {
	Registry    SessionGate
	AgentState  func(agentID string) string // "idle", "working", ...
	Store       ContextStore
	Consolidate func(ctx context.Context, agentID string) error

	OnPulseComplete        func(res PulseResult)
	OnRoutinePulseComplete func(routineID string, res PulseResult)
	OnSkipWarning          func(key string, consecutive int)
}
