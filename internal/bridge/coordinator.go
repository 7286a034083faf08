package bridge

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
	"github.com/fleetworks/fleetd/pkg/protocol"
)

// channelLockTTL bounds how long a crashed instance can block a takeover.
const channelLockTTL = 30 * time.Second

// AdapterFactory builds a fresh adapter, reading credentials from the
// environment at call time so a rebuild after rotation picks up the new
// secret.
type AdapterFactory func(inbound func(Inbound)) (Adapter, error)

// ChannelBus is the slice of the event bus a coordinator needs. *bus.Bus
// satisfies it.
type ChannelBus interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*bus.Lock, error)
	ServeRPC(ctx context.Context, channel string, handler bus.RPCHandler)
	SubscribeTopic(ctx context.Context, topic string, handler func(payload []byte))
}

// Coordinator owns one channel bridge instance: the distributed
// single-writer lock, the adapter lifecycle, credential hot-reload, and
// the pub/sub RPC surface.
type Coordinator struct {
	channel string // instance name, e.g. "telegram" or "telegram:alice"
	cfg     config.BridgeConfig
	bus     ChannelBus
	factory AdapterFactory
	// newPipeline binds a Pipeline to the current adapter; called on every
	// (re)start because the adapter identity changes.
	newPipeline func(Adapter) *Pipeline

	mu        sync.Mutex
	adapter   Adapter
	pipeline  *Pipeline
	runCtx    context.Context
	startedAt time.Time
	running   bool
}

// NewCoordinator wires a Coordinator. Run starts it.
func NewCoordinator(channel string, cfg config.BridgeConfig, b ChannelBus, factory AdapterFactory, newPipeline func(Adapter) *Pipeline) *Coordinator {
	return &Coordinator{
		channel:     channel,
		cfg:         cfg,
		bus:         b,
		factory:     factory,
		newPipeline: newPipeline,
	}
}

// Run serves the RPC and credential-reload surfaces, acquires the
// channel's single-writer lock, and starts the adapter until ctx is
// cancelled. Exactly one fleetd instance holds a channel's provider
// connection, but every instance answers RPC: a lockless one stands by
// for the lock rather than exiting.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	c.bus.ServeRPC(ctx, c.channel, c.handleRPC)
	c.bus.SubscribeTopic(ctx, protocol.CredentialsChangedTopic, func(payload []byte) {
		c.onCredentialsChanged(ctx, payload)
	})

	lock := c.awaitLock(ctx)
	if lock == nil {
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			slog.Warn("channel lock release failed", "channel", c.channel, "error", err)
		}
	}()

	if err := c.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.stop(context.WithoutCancel(ctx))
	return nil
}

// awaitLock keeps bidding for the channel's single-writer lock until it
// wins or ctx is cancelled. Between refused bids the instance stands by,
// still answering RPC, so a holder's crash promotes it without a restart.
func (c *Coordinator) awaitLock(ctx context.Context) *bus.Lock {
	for {
		lock, err := c.bus.AcquireLock(ctx, "channel:"+c.channel, channelLockTTL)
		if err == nil {
			return lock
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Info("channel lock held elsewhere, standing by", "channel", c.channel)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(channelLockTTL):
		}
	}
}

func (c *Coordinator) start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	adapter, err := c.factory(func(in Inbound) {
		c.mu.Lock()
		p := c.pipeline
		rctx := c.runCtx
		c.mu.Unlock()
		if p == nil {
			return
		}
		go p.Process(rctx, in)
	})
	if err != nil {
		return fmt.Errorf("build %s adapter: %w", c.channel, err)
	}
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("start %s adapter: %w", c.channel, err)
	}

	c.adapter = adapter
	c.pipeline = c.newPipeline(adapter)
	c.startedAt = time.Now().UTC()
	c.running = true
	slog.Info("channel bridge started", "channel", c.channel)
	return nil
}

func (c *Coordinator) stop(ctx context.Context) {
	c.mu.Lock()
	adapter := c.adapter
	c.adapter = nil
	c.pipeline = nil
	c.running = false
	c.mu.Unlock()
	if adapter == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := adapter.Stop(stopCtx); err != nil {
		slog.Warn("channel bridge stop failed", "channel", c.channel, "error", err)
	}
	slog.Info("channel bridge stopped", "channel", c.channel)
}

// restart tears the adapter down and rebuilds it through the factory,
// which re-reads credentials from the environment.
func (c *Coordinator) restart(ctx context.Context) error {
	c.stop(ctx)
	return c.start(ctx)
}

// onCredentialsChanged reacts to credential rotation or removal for this
// channel. Removal stops the bridge; rotation restarts it on the new
// secret.
func (c *Coordinator) onCredentialsChanged(ctx context.Context, payload []byte) {
	var p bus.CredentialsChangedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("malformed credentials-changed payload", "error", err)
		return
	}
	// Payloads may name the instance ("telegram:alice") or just the
	// channel kind ("telegram"); the agent check below disambiguates.
	base, _, _ := strings.Cut(c.channel, ":")
	if p.Channel != c.channel && p.Channel != base {
		return
	}
	if p.AgentID != "" && c.cfg.AgentID != "" && p.AgentID != c.cfg.AgentID {
		return
	}

	if p.Removed {
		slog.Info("credentials removed, stopping bridge", "channel", c.channel)
		c.stop(ctx)
		return
	}
	slog.Info("credentials rotated, restarting bridge", "channel", c.channel)
	if err := c.restart(ctx); err != nil {
		slog.Error("bridge restart after rotation failed", "channel", c.channel, "error", err)
	}
}

type sendParams struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type pairingParams struct {
	Phone string `json:"phone"`
}

// handleRPC answers the channel's admin RPC surface.
func (c *Coordinator) handleRPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodSend:
		var p sendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad send params: %w", err)
		}
		if p.ChatID == "" || p.Text == "" {
			return nil, fmt.Errorf("send requires chatId and text")
		}
		c.mu.Lock()
		pipe := c.pipeline
		c.mu.Unlock()
		if pipe == nil {
			return nil, fmt.Errorf("channel %s is not running", c.channel)
		}
		pipe.deliver(ctx, p.ChatID, p.Text)
		return map[string]bool{"sent": true}, nil

	case protocol.MethodStatus:
		c.mu.Lock()
		defer c.mu.Unlock()
		st := Status{Channel: c.channel, Running: c.running, AgentID: c.cfg.AgentID}
		if c.running {
			st.StartedAt = c.startedAt.Format(time.RFC3339)
		}
		return st, nil

	case protocol.MethodRestart:
		if err := c.restart(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"restarted": true}, nil

	case protocol.MethodLink, protocol.MethodLinkStatus, protocol.MethodPairingCode, protocol.MethodUnlink:
		return c.handleLinkRPC(ctx, method, params)

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (c *Coordinator) handleLinkRPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	linker, ok := adapter.(Linker)
	if !ok {
		return nil, fmt.Errorf("channel %s does not support account linking", c.channel)
	}

	switch method {
	case protocol.MethodLink:
		qr, err := linker.Link(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"qr": qr}, nil
	case protocol.MethodLinkStatus:
		status, err := linker.LinkStatus(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": status}, nil
	case protocol.MethodPairingCode:
		var p pairingParams
		if err := json.Unmarshal(params, &p); err != nil || p.Phone == "" {
			return nil, fmt.Errorf("pairing_code requires phone")
		}
		code, err := linker.PairingCode(ctx, p.Phone)
		if err != nil {
			return nil, err
		}
		return map[string]string{"code": code}, nil
	default: // MethodUnlink
		if err := linker.Unlink(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"unlinked": true}, nil
	}
}
