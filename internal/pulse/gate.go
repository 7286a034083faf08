package pulse

import (
	"log/slog"
	"sync"
)

const defaultMaxSkips = 5

// Gate admits or refuses pulse sessions. Two independent checks apply:
// the routine gate (at most one live session per routine) and the agent
// gate (the registry's per-agent cap). A refusal by either is a skip, and
// skips are counted consecutively per routine (per agent for legacy
// schedules) so a persistently starved schedule gets surfaced.
type Gate struct {
	registry SessionGate
	stateFn  func(agentID string) string
	onWarn   func(key string, consecutive int)

	mu             sync.Mutex
	activeRoutines map[string]string // routineID → sessionID
	skips          map[string]int
}

// NewGate builds a Gate. registry may be nil, in which case admission
// degrades to the reported-state check: admit only when stateFn says the
// agent is idle (and admit unconditionally when stateFn is nil too).
func NewGate(registry SessionGate, stateFn func(string) string, onWarn func(string, int)) *Gate {
	return &Gate{
		registry:       registry,
		stateFn:        stateFn,
		onWarn:         onWarn,
		activeRoutines: make(map[string]string),
		skips:          make(map[string]int),
	}
}

// Admit tries to admit a scheduled pulse session. On refusal it records a
// consecutive skip for the schedule and returns (nil, false); the streak's
// maxSkips-th refusal emits exactly one warning, and the count keeps
// growing until the first non-skipped pulse resets it. On admission the
// returned release must be called when the session ends.
func (g *Gate) Admit(agentID, routineID, sessionID string, maxSkips int) (func(), bool) {
	release, ok := g.tryAdmit(agentID, routineID, sessionID)
	key := skipKey(agentID, routineID)
	if maxSkips <= 0 {
		maxSkips = defaultMaxSkips
	}

	g.mu.Lock()
	if ok {
		g.skips[key] = 0
		g.mu.Unlock()
		return release, true
	}
	g.skips[key]++
	n := g.skips[key]
	g.mu.Unlock()

	if n == maxSkips {
		slog.Warn("pulse schedule starved, consecutive skips reached threshold",
			"schedule", key, "skips", n)
		if g.onWarn != nil {
			g.onWarn(key, n)
		}
	}
	return nil, false
}

// TryAdmit admits without touching skip accounting. Used by manual
// triggers, whose refusal is an error to the caller rather than a skip.
func (g *Gate) TryAdmit(agentID, routineID, sessionID string) (func(), bool) {
	return g.tryAdmit(agentID, routineID, sessionID)
}

func (g *Gate) tryAdmit(agentID, routineID, sessionID string) (func(), bool) {
	g.mu.Lock()
	if routineID != "" {
		if _, busy := g.activeRoutines[routineID]; busy {
			g.mu.Unlock()
			return nil, false
		}
	}
	g.mu.Unlock()

	if g.registry != nil {
		if !g.registry.StartPulseSession(agentID, sessionID) {
			return nil, false
		}
	} else if g.stateFn != nil && g.stateFn(agentID) != "idle" {
		return nil, false
	}

	if routineID != "" {
		g.mu.Lock()
		if _, busy := g.activeRoutines[routineID]; busy {
			g.mu.Unlock()
			if g.registry != nil {
				g.registry.EndPulseSession(agentID, sessionID)
			}
			return nil, false
		}
		g.activeRoutines[routineID] = sessionID
		g.mu.Unlock()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if routineID != "" {
				g.mu.Lock()
				if g.activeRoutines[routineID] == sessionID {
					delete(g.activeRoutines, routineID)
				}
				g.mu.Unlock()
			}
			if g.registry != nil {
				g.registry.EndPulseSession(agentID, sessionID)
			}
		})
	}
	return release, true
}

// RoutineBusy reports whether a routine currently has a live session.
func (g *Gate) RoutineBusy(routineID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.activeRoutines[routineID]
	return busy
}

// ConsecutiveSkips returns the current skip count for a schedule key.
func (g *Gate) ConsecutiveSkips(agentID, routineID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.skips[skipKey(agentID, routineID)]
}

func skipKey(agentID, routineID string) string {
	if routineID != "" {
		return routineID
	}
	return agentID
}
