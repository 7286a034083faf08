// Package runner is the RPC client for the external session runner
// processes. One runner serves one agent on the runner:{agentId} RPC
// surface; the core never executes model sessions itself.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/pulse"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

const (
	defaultPulseTimeout = 5 * time.Minute
	controlTimeout      = 15 * time.Second
)

// Client calls agent runners over the bus RPC helper. It implements the
// pulse executor's Runner contract and the bridge's SessionRunner and
// SessionControl contracts.
type Client struct {
	bus          *bus.Bus
	pulseTimeout time.Duration
}

// New builds a runner client. pulseTimeout bounds run_pulse calls when
// the routine carries no timeout override; zero means the default.
func New(b *bus.Bus, pulseTimeout time.Duration) *Client {
	if pulseTimeout <= 0 {
		pulseTimeout = defaultPulseTimeout
	}
	return &Client{bus: b, pulseTimeout: pulseTimeout}
}

// RunSession executes one pulse on the agent's runner and waits for the
// outcome. The executor supplies the deadline via ctx when the routine
// overrides it.
func (c *Client) RunSession(ctx context.Context, agentID string, pc pulse.Context) (pulse.Result, error) {
	timeout := c.pulseTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	raw, err := c.bus.CallRPC(ctx, protocol.RunnerChannel(agentID), protocol.MethodRunPulse, pc, timeout)
	if err != nil {
		return pulse.Result{}, fmt.Errorf("runner %s: %w", agentID, err)
	}
	var res pulse.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return pulse.Result{}, fmt.Errorf("runner %s: decode result: %w", agentID, err)
	}
	return res, nil
}

// Run starts a channel message turn. The runner acks the request and then
// streams the reply on the session's event stream; the bridge waits there,
// not here.
func (c *Client) Run(ctx context.Context, req bridge.RunRequest) error {
	_, err := c.bus.CallRPC(ctx, protocol.RunnerChannel(req.AgentID), protocol.MethodRunMessage, req, controlTimeout)
	if err != nil {
		return fmt.Errorf("runner %s: %w", req.AgentID, err)
	}
	return nil
}

// agentFromSessionID recovers the agent from a channel session id
// (chan_{sender}_{agentId}). Control calls only carry the session id.
// The sender segment is sanitised to contain no underscore, so the first
// underscore after the prefix delimits it; the agent id may itself
// contain underscores.
func agentFromSessionID(sessionID string) (string, error) {
	rest, ok := strings.CutPrefix(sessionID, "chan_")
	if !ok {
		return "", fmt.Errorf("not a channel session id: %q", sessionID)
	}
	sender, agentID, ok := strings.Cut(rest, "_")
	if !ok || sender == "" || agentID == "" {
		return "", fmt.Errorf("not a channel session id: %q", sessionID)
	}
	return agentID, nil
}

func (c *Client) control(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	agentID, err := agentFromSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := c.bus.CallRPC(ctx, protocol.RunnerChannel(agentID), method, params, controlTimeout)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", agentID, err)
	}
	return raw, nil
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// Stop aborts the session's in-flight response, if any.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	_, err := c.control(ctx, sessionID, protocol.MethodStopSession, sessionParams{SessionID: sessionID})
	return err
}

// UpdateModel switches the live session to another model.
func (c *Client) UpdateModel(ctx context.Context, sessionID, model string) error {
	_, err := c.control(ctx, sessionID, protocol.MethodUpdateModel, sessionParams{SessionID: sessionID, Model: model})
	return err
}

// ContextUsage reports the session's context-window consumption.
func (c *Client) ContextUsage(ctx context.Context, sessionID string) (bridge.ContextUsage, error) {
	raw, err := c.control(ctx, sessionID, protocol.MethodContextUsage, sessionParams{SessionID: sessionID})
	if err != nil {
		return bridge.ContextUsage{}, err
	}
	var usage bridge.ContextUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return bridge.ContextUsage{}, fmt.Errorf("decode usage: %w", err)
	}
	return usage, nil
}

// Compact asks the runner to compact the session's conversation.
func (c *Client) Compact(ctx context.Context, sessionID, instructions string) (bridge.CompactResult, error) {
	raw, err := c.control(ctx, sessionID, protocol.MethodCompact, sessionParams{SessionID: sessionID, Prompt: instructions})
	if err != nil {
		return bridge.CompactResult{}, err
	}
	var res bridge.CompactResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return bridge.CompactResult{}, fmt.Errorf("decode compact result: %w", err)
	}
	return res, nil
}
