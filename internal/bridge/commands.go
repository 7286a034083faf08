package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fleetworks/fleetd/internal/routing"
	"github.com/fleetworks/fleetd/internal/sessions"
	"github.com/fleetworks/fleetd/internal/store"
)

// ContextUsage is the /context and /status view of a session.
type ContextUsage struct {
	Percent       float64 `json:"percent"`
	UsedTokens    int     `json:"usedTokens"`
	ContextWindow int     `json:"contextWindow"`
	Model         string  `json:"model"`
}

// CompactResult reports a compaction outcome.
type CompactResult struct {
	TokensBefore int `json:"tokensBefore"`
	TokensAfter  int `json:"tokensAfter"`
}

// SessionControl is the slice of the session runner the command
// dispatcher needs.
type SessionControl interface {
	Stop(ctx context.Context, sessionID string) error
	UpdateModel(ctx context.Context, sessionID, model string) error
	ContextUsage(ctx context.Context, sessionID string) (ContextUsage, error)
	Compact(ctx context.Context, sessionID, instructions string) (CompactResult, error)
}

const helpText = `Commands:
/help - show this list
/new - start a fresh conversation
/model <id> - switch model for this chat
/modelfavs - list favourite models
/context - show context window usage
/compact [instructions] - compact the conversation
/status - show model and context usage`

// Dispatcher parses and executes in-band commands. It owns no state
// beyond the per-chat model override map; everything else lives in the
// session and its storage row.
type Dispatcher struct {
	sessions store.SessionStore
	favs     store.FavoritesStore
	control  SessionControl
	sticky   *routing.StickyMap

	mu        sync.Mutex
	overrides map[string]string // channel|sender → model id
}

// NewDispatcher wires a Dispatcher. favs and control may be nil; the
// corresponding commands degrade with an explanatory reply.
func NewDispatcher(sessionStore store.SessionStore, favs store.FavoritesStore, control SessionControl, sticky *routing.StickyMap) *Dispatcher {
	return &Dispatcher{
		sessions:  sessionStore,
		favs:      favs,
		control:   control,
		sticky:    sticky,
		overrides: make(map[string]string),
	}
}

// ModelOverride returns the model recorded for a chat by /model, if any.
func (d *Dispatcher) ModelOverride(channel, sender string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overrides[channel+"|"+sender]
}

// Handle executes text as a command when it is one. The returned reply
// is already user-facing; handled=false means the text is a normal
// message and routing continues.
func (d *Dispatcher) Handle(ctx context.Context, channel, sender, agentID, text string) (reply string, handled bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	cmd, args, _ := strings.Cut(trimmed, " ")
	// Telegram appends the bot name: /new@fleetbot.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	cmd = strings.ToLower(cmd)
	args = strings.TrimSpace(args)

	sessionID := sessions.ChannelSessionID(sender, agentID)

	switch cmd {
	case "/help", "/start":
		return helpText, true

	case "/new":
		return d.handleNew(ctx, channel, sender, sessionID), true

	case "/model":
		return d.handleModel(ctx, channel, sender, sessionID, args), true

	case "/modelfavs":
		return d.handleModelFavs(ctx, agentID), true

	case "/context":
		usage, err := d.usage(ctx, sessionID)
		if err != nil {
			return "no active session", true
		}
		return fmt.Sprintf("context: %.0f%% used (%d / %d tokens), model %s",
			usage.Percent, usage.UsedTokens, usage.ContextWindow, usage.Model), true

	case "/compact":
		return d.handleCompact(ctx, sessionID, args), true

	case "/status":
		usage, err := d.usage(ctx, sessionID)
		if err != nil {
			return "no active session", true
		}
		return fmt.Sprintf("model %s, context %.0f%% used", usage.Model, usage.Percent), true

	default:
		return "", false
	}
}

func (d *Dispatcher) handleNew(ctx context.Context, channel, sender, sessionID string) string {
	if d.control != nil {
		if err := d.control.Stop(ctx, sessionID); err != nil {
			// Best effort: the session may simply not be running.
			_ = err
		}
	}
	if err := d.sessions.DeleteSession(ctx, sessionID); err != nil {
		return "failed to reset the conversation, please try again"
	}
	if d.sticky != nil {
		d.sticky.Evict(channel, sender)
	}
	return "conversation reset, next message starts fresh"
}

func (d *Dispatcher) handleModel(ctx context.Context, channel, sender, sessionID, model string) string {
	if model == "" {
		return "usage: /model <id>"
	}
	d.mu.Lock()
	d.overrides[channel+"|"+sender] = model
	d.mu.Unlock()

	// An active session switches immediately; the override covers the
	// next message either way.
	if _, ok, err := d.sessions.GetSession(ctx, sessionID); err == nil && ok {
		if d.control != nil {
			if err := d.control.UpdateModel(ctx, sessionID, model); err != nil {
				return fmt.Sprintf("model %s recorded for the next message (live switch failed)", model)
			}
		}
		if err := d.sessions.UpdateSessionModel(ctx, sessionID, model); err == nil {
			return fmt.Sprintf("model switched to %s", model)
		}
	}
	return fmt.Sprintf("model %s will be used from the next message", model)
}

func (d *Dispatcher) handleModelFavs(ctx context.Context, agentID string) string {
	if d.favs == nil {
		return "favourites are not configured"
	}
	favs, err := d.favs.ListModelFavorites(ctx, agentID)
	if err != nil || len(favs) == 0 {
		return "no favourite models saved"
	}
	var b strings.Builder
	b.WriteString("favourite models:\n")
	for _, m := range favs {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) handleCompact(ctx context.Context, sessionID, instructions string) string {
	if d.control == nil {
		return "compaction is not available"
	}
	res, err := d.control.Compact(ctx, sessionID, instructions)
	if err != nil {
		return "compaction failed, please try again"
	}
	return fmt.Sprintf("compacted: %d → %d tokens", res.TokensBefore, res.TokensAfter)
}

func (d *Dispatcher) usage(ctx context.Context, sessionID string) (ContextUsage, error) {
	if d.control == nil {
		return ContextUsage{}, fmt.Errorf("no session control")
	}
	return d.control.ContextUsage(ctx, sessionID)
}
