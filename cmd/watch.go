package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

const watchDebounce = 500 * time.Millisecond

// instanceFingerprint captures the parts of a channel instance whose
// change requires a bridge restart.
type instanceFingerprint struct {
	agentID string
	detail  string
}

// watchConfig watches the config file and publishes credential-change
// notifications when channel instances are added, rotated, or removed.
// Bridges subscribe to the topic and restart themselves; nothing here
// touches an adapter directly.
func watchConfig(ctx context.Context, cfgPath string, b *bus.Bus) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors and orchestrators replace the file,
	// and a watch on the old inode goes stale after the rename.
	dir := filepath.Dir(cfgPath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config watch failed", "dir", dir, "error", err)
		return
	}

	prev, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("config watcher could not load baseline", "error", err)
		return
	}
	prevFP := channelFingerprints(prev)

	var debounce *time.Timer
	reload := func() {
		fresh, err := config.Load(cfgPath)
		if err != nil {
			slog.Warn("config reload failed, keeping previous state", "error", err)
			return
		}
		if err := fresh.Validate(); err != nil {
			slog.Warn("reloaded config invalid, keeping previous state", "error", err)
			return
		}
		freshFP := channelFingerprints(fresh)
		publishChannelDiff(ctx, b, prevFP, freshFP)
		prevFP = freshFP
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cfgPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// channelFingerprints maps instance name → restart-relevant settings.
func channelFingerprints(cfg *config.Config) map[string]instanceFingerprint {
	fps := make(map[string]instanceFingerprint)
	for _, tc := range cfg.Channels.Telegram {
		if tc.Enabled {
			fps[instanceName("telegram", tc.AgentID)] = instanceFingerprint{
				agentID: tc.AgentID,
				detail:  tc.Token,
			}
		}
	}
	for _, dc := range cfg.Channels.Discord {
		if dc.Enabled {
			fps[instanceName("discord", dc.AgentID)] = instanceFingerprint{
				agentID: dc.AgentID,
				detail:  fmt.Sprintf("%s|%t", dc.Token, dc.RequireMention),
			}
		}
	}
	for _, wc := range cfg.Channels.WhatsApp {
		if wc.Enabled {
			fps[instanceName("whatsapp", wc.AgentID)] = instanceFingerprint{
				agentID: wc.AgentID,
				detail:  wc.BridgeURL,
			}
		}
	}
	for _, sc := range cfg.Channels.Signal {
		if sc.Enabled {
			fps[instanceName("signal", sc.AgentID)] = instanceFingerprint{
				agentID: sc.AgentID,
				detail:  sc.APIURL + "|" + sc.Number,
			}
		}
	}
	return fps
}

// publishChannelDiff notifies per instance: removed or disabled instances
// get a removal, changed fingerprints get a rotation. Additions need a
// daemon restart to build a new coordinator and are only logged.
func publishChannelDiff(ctx context.Context, b *bus.Bus, prev, fresh map[string]instanceFingerprint) {
	for name, was := range prev {
		now, still := fresh[name]
		if !still {
			slog.Info("channel instance removed from config", "channel", name)
			notifyCredentials(ctx, b, name, was.agentID, true)
			continue
		}
		if now != was {
			slog.Info("channel instance settings changed", "channel", name)
			notifyCredentials(ctx, b, name, now.agentID, false)
		}
	}
	for name := range fresh {
		if _, known := prev[name]; !known {
			slog.Info("channel instance added to config, restart to activate", "channel", name)
		}
	}
}

func notifyCredentials(ctx context.Context, b *bus.Bus, channel, agentID string, removed bool) {
	err := b.PublishJSON(ctx, protocol.CredentialsChangedTopic, bus.CredentialsChangedPayload{
		AgentID: agentID,
		Channel: channel,
		Removed: removed,
	})
	if err != nil {
		slog.Warn("credentials-changed publish failed", "channel", channel, "error", err)
	}
}
