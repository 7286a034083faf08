package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	osSignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/bridge/discord"
	"github.com/fleetworks/fleetd/internal/bridge/signal"
	"github.com/fleetworks/fleetd/internal/bridge/telegram"
	"github.com/fleetworks/fleetd/internal/bridge/whatsapp"
	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/counter"
	"github.com/fleetworks/fleetd/internal/obs"
	"github.com/fleetworks/fleetd/internal/pulse"
	"github.com/fleetworks/fleetd/internal/routing"
	"github.com/fleetworks/fleetd/internal/runner"
	"github.com/fleetworks/fleetd/internal/schedule"
	"github.com/fleetworks/fleetd/internal/sessions"
	"github.com/fleetworks/fleetd/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleetd daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	ctx, stop := osSignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil {
		slog.Error("fleetd exited with error", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	telemetry, err := obs.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	slog.Info("redis connected", "addr", cfg.Redis.Addr)

	b := bus.New(rdb, cfg.Redis.StreamMaxLen)
	counters := counter.NewRedisStore(rdb)

	stores, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	registry := sessions.NewRegistry(cfg.Scheduler.MaxConcurrentPulseSessions)
	stateFn := func(agentID string) string { return string(registry.AgentState(agentID)) }

	sched := schedule.New(time.Local)
	routines, err := stores.Routines.ListRoutines(ctx)
	if err != nil {
		return fmt.Errorf("load routines: %w", err)
	}
	for _, r := range routines {
		if err := sched.SetRoutineSchedule(r); err != nil {
			slog.Warn("skipping invalid stored routine", "routine", r.ID, "error", err)
		}
	}
	if cfg.Scheduler.AutoAssignOffsets {
		sched.AutoAssignOffsets()
	}
	slog.Info("scheduler loaded", "routines", len(routines))

	run := runner.New(b, time.Duration(cfg.Scheduler.DefaultTimeoutMs)*time.Millisecond)
	gate := pulse.NewGate(registry, stateFn, nil)

	// The waker exists before the executor's completion hook fires, but
	// the variable must be declared first for the closure.
	var waker *pulse.Waker
	deps := pulse.Deps{
		Registry:   registry,
		AgentState: stateFn,
		Store:      stores.Context,
		OnPulseComplete: func(res pulse.PulseResult) {
			if waker != nil {
				waker.NotifyIdle(ctx, res.AgentID)
			}
		},
	}
	exec := pulse.NewExecutor(sched, gate, b, run, deps, cfg.Scheduler.DefaultTimeoutMs)

	waker = pulse.NewWaker(b, counters, cfg.Wake, stateFn, func(wctx context.Context, agentID, from string) {
		// Accepted wakes bypass the schedule: a routine-bearing agent's
		// legacy slots never fire, so the pulse goes to the executor
		// directly as a manual trigger.
		go func() {
			if _, err := exec.TriggerManual(wctx, agentID, "", 0); err != nil {
				slog.Warn("wake pulse rejected", "agent", agentID, "from", from, "error", err)
			}
		}()
	})
	waker.Start(ctx)

	sticky := routing.NewStickyMap(cfg.StickyTTL())
	coordinators, closeBridges, err := buildBridges(cfg, cfgPath, b, stores, run, sticky)
	if err != nil {
		return err
	}
	defer closeBridges()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(gctx) })
	for _, c := range coordinators {
		c := c
		g.Go(func() error {
			// A bridge that cannot start (bad creds, adapter failure)
			// degrades that channel, not the daemon.
			if err := c.Run(gctx); err != nil && gctx.Err() == nil {
				slog.Error("channel bridge failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		watchConfig(gctx, cfgPath, b)
		return nil
	})

	slog.Info("fleetd running", "agents", len(cfg.Agents), "bridges", len(coordinators))
	return g.Wait()
}

// openStores binds Postgres when a DSN is configured and falls back to
// the in-memory store otherwise, which keeps single-node trials working
// without a database.
func openStores(cfg *config.Config) (*store.Stores, func(), error) {
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("FLEETD_POSTGRES_DSN not set, using in-memory storage")
		return store.NewMemory().AsStores(), func() {}, nil
	}
	if err := store.MigrateUp(dsn, ""); err != nil {
		return nil, nil, err
	}
	stores, db, err := store.NewPGStores(dsn)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("postgres connected")
	return stores, func() { db.Close() }, nil
}

func instanceName(channel, agentID string) string {
	if agentID == "" {
		return channel
	}
	return channel + ":" + agentID
}

// buildBridges constructs a Coordinator per enabled channel instance.
// Factories re-read the config file so restarts pick up rotated secrets.
func buildBridges(cfg *config.Config, cfgPath string, b *bus.Bus, stores *store.Stores, run *runner.Client, sticky *routing.StickyMap) ([]*bridge.Coordinator, func(), error) {
	var coordinators []*bridge.Coordinator
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	defaultModel := func(agentID string) string {
		a, _ := cfg.AgentByID(agentID)
		return a.Model
	}

	newPipeline := func(channel string, bc config.BridgeConfig, lids *routing.LIDMap) func(bridge.Adapter) *bridge.Pipeline {
		dispatcher := bridge.NewDispatcher(stores.Sessions, stores.Favorites, run, sticky)
		return func(a bridge.Adapter) *bridge.Pipeline {
			return bridge.NewPipeline(channel, bc, a, b, stores, dispatcher, sticky, lids, run, cfg.DefaultAgentID(), defaultModel)
		}
	}

	for i, tc := range cfg.Channels.Telegram {
		if !tc.Enabled {
			continue
		}
		if tc.Token == "" {
			slog.Warn("telegram instance has no token, skipping", "agent", tc.AgentID)
			continue
		}
		idx, name := i, instanceName("telegram", tc.AgentID)
		factory := func(inbound func(bridge.Inbound)) (bridge.Adapter, error) {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("reload telegram config: %w", err)
			}
			if idx >= len(fresh.Channels.Telegram) {
				return nil, fmt.Errorf("telegram instance %d removed from config", idx)
			}
			return telegram.New(fresh.Channels.Telegram[idx], inbound)
		}
		coordinators = append(coordinators, bridge.NewCoordinator(name, tc.BridgeConfig, b, factory, newPipeline(name, tc.BridgeConfig, nil)))
	}

	for i, dc := range cfg.Channels.Discord {
		if !dc.Enabled {
			continue
		}
		if dc.Token == "" {
			slog.Warn("discord instance has no token, skipping", "agent", dc.AgentID)
			continue
		}
		idx, name := i, instanceName("discord", dc.AgentID)
		factory := func(inbound func(bridge.Inbound)) (bridge.Adapter, error) {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("reload discord config: %w", err)
			}
			if idx >= len(fresh.Channels.Discord) {
				return nil, fmt.Errorf("discord instance %d removed from config", idx)
			}
			return discord.New(fresh.Channels.Discord[idx], inbound)
		}
		coordinators = append(coordinators, bridge.NewCoordinator(name, dc.BridgeConfig, b, factory, newPipeline(name, dc.BridgeConfig, nil)))
	}

	var lids *routing.LIDMap
	for i, wc := range cfg.Channels.WhatsApp {
		if !wc.Enabled {
			continue
		}
		if lids == nil {
			m, err := routing.OpenLIDMap(cfg.Routing.LIDMapPath)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("open lid map: %w", err)
			}
			lids = m
			closers = append(closers, func() { lids.Close() })
		}
		idx, name := i, instanceName("whatsapp", wc.AgentID)
		localLids := lids
		factory := func(inbound func(bridge.Inbound)) (bridge.Adapter, error) {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("reload whatsapp config: %w", err)
			}
			if idx >= len(fresh.Channels.WhatsApp) {
				return nil, fmt.Errorf("whatsapp instance %d removed from config", idx)
			}
			return whatsapp.New(fresh.Channels.WhatsApp[idx], localLids, inbound)
		}
		coordinators = append(coordinators, bridge.NewCoordinator(name, wc.BridgeConfig, b, factory, newPipeline(name, wc.BridgeConfig, lids)))
	}

	for i, sc := range cfg.Channels.Signal {
		if !sc.Enabled {
			continue
		}
		idx, name := i, instanceName("signal", sc.AgentID)
		factory := func(inbound func(bridge.Inbound)) (bridge.Adapter, error) {
			fresh, err := config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("reload signal config: %w", err)
			}
			if idx >= len(fresh.Channels.Signal) {
				return nil, fmt.Errorf("signal instance %d removed from config", idx)
			}
			return signal.New(fresh.Channels.Signal[idx], inbound)
		}
		coordinators = append(coordinators, bridge.NewCoordinator(name, sc.BridgeConfig, b, factory, newPipeline(name, sc.BridgeConfig, nil)))
	}

	return coordinators, closeAll, nil
}
