package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/schedule"
	"github.com/fleetworks/fleetd/internal/sessions"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

const (
	// idleWait bounds the timer when nothing is scheduled, so newly added
	// schedules are picked up even if a change notification is lost.
	idleWait = time.Hour

	defaultTimeout = 5 * time.Minute
)

// Executor owns the single timer that drives pulse firing. It asks the
// scheduler what fires next, sleeps until then, gates the session, gathers
// context, invokes the runner, and records the outcome.
type Executor struct {
	sched  *schedule.Scheduler
	gate   *Gate
	bus    *bus.Bus
	runner Runner
	deps   Deps

	defaultTimeout time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time // skipKey → scheduledAt of the last fire
	rearm     chan struct{}
}

// NewExecutor wires an Executor. defaultTimeoutMs zero means 5 minutes.
func NewExecutor(sched *schedule.Scheduler, g *Gate, b *bus.Bus, runner Runner, deps Deps, defaultTimeoutMs int) *Executor {
	timeout := defaultTimeout
	if defaultTimeoutMs > 0 {
		timeout = time.Duration(defaultTimeoutMs) * time.Millisecond
	}
	return &Executor{
		sched:          sched,
		gate:           g,
		bus:            b,
		runner:         runner,
		deps:           deps,
		defaultTimeout: timeout,
		lastFired:      make(map[string]time.Time),
		rearm:          make(chan struct{}, 1),
	}
}

// Run drives the timer loop until ctx is cancelled. Schedule mutations
// re-arm the timer immediately through the scheduler's change callback.
func (e *Executor) Run(ctx context.Context) error {
	e.sched.OnChange(func() {
		select {
		case e.rearm <- struct{}{}:
		default:
		}
	})

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		now := time.Now()
		next := e.sched.GetNextPulseTime(now)

		wait := idleWait
		if next != nil {
			wait = time.Until(next.ScheduledAt)
			if e.firedAlready(*next) {
				// Minute-granular alignment can re-surface a slot that was
				// just fired but skipped; back off past the slot's minute.
				next = nil
				wait = time.Second
			} else if wait < 0 {
				wait = 0
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.rearm:
		case <-timer.C:
			if next != nil {
				go e.firePulse(ctx, *next)
			}
		}
	}
}

func (e *Executor) firedAlready(p schedule.ScheduledPulse) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFired[skipKey(p.AgentID, p.RoutineID)].Equal(p.ScheduledAt)
}

func (e *Executor) markFired(p schedule.ScheduledPulse) {
	e.mu.Lock()
	e.lastFired[skipKey(p.AgentID, p.RoutineID)] = p.ScheduledAt
	e.mu.Unlock()
}

// firePulse executes one scheduled pulse end to end.
func (e *Executor) firePulse(ctx context.Context, p schedule.ScheduledPulse) PulseResult {
	e.markFired(p)
	if p.Source == schedule.SourceOneOff {
		e.sched.ConsumeOneOff(p.AgentID, p.RoutineID, p.ScheduledAt)
	}

	sessionID := sessions.PulseSessionID(p.AgentID, p.RoutineID, p.ScheduledAt)

	var routine *schedule.Routine
	maxSkips := 0
	if p.RoutineID != "" {
		if r, ok := e.sched.GetRoutine(p.RoutineID); ok {
			routine = &r
			maxSkips = r.MaxSkipsOrDefault()
		}
	}

	release, ok := e.gate.Admit(p.AgentID, p.RoutineID, sessionID, maxSkips)
	if !ok {
		slog.Info("pulse skipped, concurrency gate refused",
			"agent", p.AgentID, "routine", p.RoutineID, "scheduled_at", p.ScheduledAt)
		res := PulseResult{
			AgentID: p.AgentID, RoutineID: p.RoutineID,
			Skipped: true, ScheduledAt: p.ScheduledAt, Source: p.Source,
		}
		e.complete(res)
		return res
	}
	defer release()

	return e.runAdmitted(ctx, p, routine, sessionID)
}

// runAdmitted does everything after gate admission: context gather, runner
// invocation, stats, completion notifications.
func (e *Executor) runAdmitted(ctx context.Context, p schedule.ScheduledPulse, routine *schedule.Routine, sessionID string) PulseResult {
	res := PulseResult{
		AgentID:     p.AgentID,
		RoutineID:   p.RoutineID,
		ScheduledAt: p.ScheduledAt,
		Source:      p.Source,
	}

	e.publish(ctx, sessionID, protocol.EventPipelineQueued, map[string]any{
		"agentId": p.AgentID, "routineId": p.RoutineID, "source": string(p.Source),
	})

	pc := Context{
		SessionID:   sessionID,
		Routine:     routine,
		Source:      p.Source,
		ScheduledAt: p.ScheduledAt,
	}
	if routine != nil {
		pc.Overrides = routine.Overrides
	}

	// Context fetches run concurrently; each failure is recorded and the
	// pulse proceeds with whatever was gathered.
	var errMu sync.Mutex
	gatherErr := func(step string, err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", step, err))
		errMu.Unlock()
	}
	if e.deps.Store != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := e.deps.Store.UnreadCount(gctx, p.AgentID)
			gatherErr("unread count", err)
			pc.UnreadCount = n
			if n == 0 {
				return nil
			}
			msgs, err := e.deps.Store.UnreadMessages(gctx, p.AgentID)
			gatherErr("unread messages", err)
			pc.UnreadMessages = msgs
			return nil
		})
		g.Go(func() error {
			tasks, err := e.deps.Store.AssignedTasks(gctx, p.AgentID)
			gatherErr("assigned tasks", err)
			pc.Tasks = tasks
			return nil
		})
		g.Go(func() error {
			ov, err := e.deps.Store.ProjectOverrides(gctx, p.AgentID, p.RoutineID)
			gatherErr("project overrides", err)
			pc.ProjectOverrides = ov
			return nil
		})
		g.Wait()
		res.UnreadCount = pc.UnreadCount
	}

	timeout := e.defaultTimeout
	if routine != nil && routine.Overrides != nil && routine.Overrides.TimeoutMs > 0 {
		timeout = time.Duration(routine.Overrides.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.publish(ctx, sessionID, protocol.EventPipelineStarted, map[string]any{
		"agentId": p.AgentID, "routineId": p.RoutineID,
	})

	out, err := e.runner.RunSession(runCtx, p.AgentID, pc)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("run session: %v", err))
		slog.Error("pulse session failed", "agent", p.AgentID, "routine", p.RoutineID,
			"session", sessionID, "error", err)
		e.publish(ctx, sessionID, protocol.EventPipelineRunFailed, map[string]any{
			"agentId": p.AgentID, "error": err.Error(),
		})
	} else {
		res.Actions = out.Actions
		res.Output = out.Output
		if !out.Success {
			res.Errors = append(res.Errors, "session reported failure")
		}
		e.publish(ctx, sessionID, protocol.EventPipelineRunComplete, map[string]any{
			"agentId": p.AgentID, "success": out.Success,
		})
	}

	e.sched.RecordRun(p.AgentID, p.RoutineID, p.ScheduledAt)

	if e.deps.Consolidate != nil {
		if err := e.deps.Consolidate(ctx, p.AgentID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("consolidate: %v", err))
		}
	}

	e.complete(res)
	return res
}

func (e *Executor) complete(res PulseResult) {
	if e.deps.OnPulseComplete != nil {
		e.deps.OnPulseComplete(res)
	}
	if res.RoutineID != "" && e.deps.OnRoutinePulseComplete != nil {
		e.deps.OnRoutinePulseComplete(res.RoutineID, res)
	}
}

func (e *Executor) publish(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	_, err := e.bus.Publish(ctx, sessionID, bus.Event{
		Type:    eventType,
		Payload: bus.MarshalPayload(payload),
	})
	if err != nil {
		slog.Warn("pulse event publish failed", "session", sessionID, "type", eventType, "error", err)
	}
}

// TriggerManual fires an immediate pulse for an agent (optionally a
// specific routine). When the routine or agent already has a pulse in
// flight the trigger is rejected rather than counted as a skip. timeoutMs
// zero uses the executor default; the run races that timeout.
func (e *Executor) TriggerManual(ctx context.Context, agentID, routineID string, timeoutMs int) (PulseResult, error) {
	now := time.Now()
	p := schedule.ScheduledPulse{
		AgentID:     agentID,
		RoutineID:   routineID,
		ScheduledAt: now,
		Source:      schedule.SourceManual,
	}
	sessionID := sessions.PulseSessionID(agentID, routineID, now)

	release, ok := e.gate.TryAdmit(agentID, routineID, sessionID)
	if !ok {
		return PulseResult{}, fmt.Errorf("pulse for agent %s already in progress", agentID)
	}
	defer release()

	var routine *schedule.Routine
	if routineID != "" {
		if r, found := e.sched.GetRoutine(routineID); found {
			routine = &r
		} else {
			return PulseResult{}, fmt.Errorf("routine %s not found", routineID)
		}
	}

	runCtx := ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	return e.runAdmitted(runCtx, p, routine, sessionID), nil
}
