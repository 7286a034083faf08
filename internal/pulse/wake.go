package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/counter"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

// counterTTLSeconds keeps daily wake counters alive well past their day
// so a late-night increment still expires naturally.
const counterTTLSeconds = 48 * 60 * 60

// WakeDecision is the outcome of guardrail evaluation for one wake.
type WakeDecision string

const (
	WakeAccepted WakeDecision = "accepted"
	WakeCooldown WakeDecision = "cooldown"
	WakeDailyCap WakeDecision = "daily_cap"
	WakePairCap  WakeDecision = "pair_cap"
	WakeDeferred WakeDecision = "deferred_busy"
)

// Waker listens for agent:{id}:wake notifications and forwards the ones
// that pass the guardrails to the executor as manual pulses. Guardrails
// run in a fixed order; the daily and pair caps use increment-then-check
// so concurrent wakes racing on a shared counter cannot both slip under
// the limit, with a rollback when the check fails.
type Waker struct {
	bus      *bus.Bus
	counters counter.Store
	cfg      config.WakeConfig
	stateFn  func(agentID string) string
	enqueue  func(ctx context.Context, agentID, from string)

	mu       sync.Mutex
	lastWake map[string]time.Time
	deferred map[string]string // agentID → from, replayed when the agent goes idle
	now      func() time.Time
}

// NewWaker builds a Waker. enqueue receives accepted wakes; stateFn
// reports agent activity for the busy-defer guardrail.
func NewWaker(b *bus.Bus, counters counter.Store, cfg config.WakeConfig,
	stateFn func(string) string, enqueue func(context.Context, string, string)) *Waker {
	return &Waker{
		bus:      b,
		counters: counters,
		cfg:      cfg,
		stateFn:  stateFn,
		enqueue:  enqueue,
		lastWake: make(map[string]time.Time),
		deferred: make(map[string]string),
		now:      time.Now,
	}
}

// Start subscribes to the wake topic pattern until ctx is cancelled.
func (w *Waker) Start(ctx context.Context) {
	w.bus.SubscribePattern(ctx, protocol.WakePattern, func(topic string, payload []byte) {
		agentID := agentFromWakeTopic(topic)
		if agentID == "" {
			return
		}
		var wp bus.WakePayload
		if err := json.Unmarshal(payload, &wp); err != nil {
			slog.Warn("undecodable wake payload", "topic", topic, "error", err)
			return
		}
		decision, err := w.Handle(ctx, agentID, wp.From)
		if err != nil {
			slog.Error("wake handling failed", "agent", agentID, "from", wp.From, "error", err)
			return
		}
		if decision != WakeAccepted {
			slog.Info("wake rejected", "agent", agentID, "from", wp.From, "decision", decision)
		}
	})
}

// Handle evaluates one wake request against the guardrails and enqueues
// it when accepted. Exported for the RPC surface and tests.
func (w *Waker) Handle(ctx context.Context, agentID, from string) (WakeDecision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handleLocked(ctx, agentID, from)
}

func (w *Waker) handleLocked(ctx context.Context, agentID, from string) (WakeDecision, error) {
	now := w.now()

	// Guardrail 1: per-target cooldown.
	cooldown := time.Duration(w.cfg.CooldownSeconds) * time.Second
	if cooldown > 0 {
		if last, ok := w.lastWake[agentID]; ok && now.Sub(last) < cooldown {
			return WakeCooldown, nil
		}
	}

	day := now.UTC().Format("2006-01-02")

	// Guardrail 2: per-agent daily cap, increment then check then rollback.
	dayKey := fmt.Sprintf("wakes:%s:%s", agentID, day)
	n, err := w.incr(ctx, dayKey)
	if err != nil {
		return "", fmt.Errorf("daily counter: %w", err)
	}
	if w.cfg.MaxWakesPerDay > 0 && n > int64(w.cfg.MaxWakesPerDay) {
		if err := w.counters.Decr(ctx, dayKey); err != nil {
			slog.Warn("daily counter rollback failed", "key", dayKey, "error", err)
		}
		return WakeDailyCap, nil
	}

	// Guardrail 3: per-pair daily cap. On refusal both increments roll back.
	pairKey := fmt.Sprintf("wakes_from:%s:%s:%s", agentID, from, day)
	pn, err := w.incr(ctx, pairKey)
	if err != nil {
		w.rollback(ctx, dayKey)
		return "", fmt.Errorf("pair counter: %w", err)
	}
	if w.cfg.MaxWakesPerPairPerDay > 0 && pn > int64(w.cfg.MaxWakesPerPairPerDay) {
		w.rollback(ctx, pairKey)
		w.rollback(ctx, dayKey)
		return WakePairCap, nil
	}

	// Guardrail 4: busy targets defer instead of stacking sessions. A
	// deferred wake consumes nothing: both counters roll back and the
	// cooldown clock does not start.
	if w.stateFn != nil && w.stateFn(agentID) != "idle" {
		w.rollback(ctx, pairKey)
		w.rollback(ctx, dayKey)
		w.deferred[agentID] = from
		return WakeDeferred, nil
	}

	w.lastWake[agentID] = now
	if w.enqueue != nil {
		w.enqueue(ctx, agentID, from)
	}
	return WakeAccepted, nil
}

// NotifyIdle replays a deferred wake once its target agent goes idle.
func (w *Waker) NotifyIdle(ctx context.Context, agentID string) {
	w.mu.Lock()
	from, ok := w.deferred[agentID]
	if ok {
		delete(w.deferred, agentID)
	}
	w.mu.Unlock()
	if ok && w.enqueue != nil {
		w.enqueue(ctx, agentID, from)
	}
}

// incr bumps a daily counter, attaching the TTL on first increment.
func (w *Waker) incr(ctx context.Context, key string) (int64, error) {
	n, err := w.counters.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := w.counters.Expire(ctx, key, counterTTLSeconds); err != nil {
			slog.Warn("wake counter expire failed", "key", key, "error", err)
		}
	}
	return n, nil
}

func (w *Waker) rollback(ctx context.Context, key string) {
	if err := w.counters.Decr(ctx, key); err != nil {
		slog.Warn("wake counter rollback failed", "key", key, "error", err)
	}
}

// agentFromWakeTopic extracts the agent id from "agent:{id}:wake".
func agentFromWakeTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, "agent:")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, ":wake")
	if !ok {
		return ""
	}
	return id
}
