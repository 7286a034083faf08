package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/routing"
	"github.com/fleetworks/fleetd/internal/sessions"
	"github.com/fleetworks/fleetd/internal/store"
	"github.com/fleetworks/fleetd/internal/stream"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

// RunRequest asks the session runner to process one user message. The
// reply arrives as events on the session's stream, not as a return value.
type RunRequest struct {
	SessionID     string
	AgentID       string
	Model         string
	Text          string
	PlaceholderID string
	AttachmentIDs []string
}

// SessionRunner starts session turns. Implementations publish their
// progress on the session's event stream.
type SessionRunner interface {
	Run(ctx context.Context, req RunRequest) error
}

// Pipeline processes inbound channel messages end to end: identity
// normalisation, allowlisting, command dispatch, agent routing, session
// setup, runner invocation, reply assembly, and outbound delivery.
type Pipeline struct {
	channel string
	cfg     config.BridgeConfig
	adapter Adapter
	bus     *bus.Bus
	stores  *store.Stores
	cmds    *Dispatcher
	sticky  *routing.StickyMap
	lids    *routing.LIDMap // nil for channels without LID identities
	runner  SessionRunner

	fleetDefault string
	defaultModel func(agentID string) string
	limiter      *rate.Limiter
}

// NewPipeline wires a Pipeline for one bridge instance. lids may be nil;
// defaultModel may be nil when agents carry no configured model.
func NewPipeline(channel string, cfg config.BridgeConfig, adapter Adapter, b *bus.Bus, stores *store.Stores, cmds *Dispatcher, sticky *routing.StickyMap, lids *routing.LIDMap, runner SessionRunner, fleetDefault string, defaultModel func(string) string) *Pipeline {
	return &Pipeline{
		channel:      channel,
		cfg:          cfg,
		adapter:      adapter,
		bus:          b,
		stores:       stores,
		cmds:         cmds,
		sticky:       sticky,
		lids:         lids,
		runner:       runner,
		fleetDefault: fleetDefault,
		defaultModel: defaultModel,
		// Keeps chunked replies under every provider's flood limits.
		limiter: rate.NewLimiter(rate.Every(600*time.Millisecond), 4),
	}
}

// Process handles one inbound message. The whole exchange, reply wait
// included, runs under the bridge's reply timeout.
func (p *Pipeline) Process(ctx context.Context, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ReplyTimeoutOrDefault())*time.Millisecond)
	defer cancel()

	sender := p.normalizeSender(ctx, in.Sender)
	log := slog.With("channel", p.channel, "sender", sender)

	allowed, hint := p.checkAllowlist(ctx, sender)
	if !allowed {
		log.Info("sender not on allowlist, dropping message")
		return
	}

	if err := p.adapter.MarkRead(ctx, in.ChatID, in.MessageID); err != nil {
		log.Debug("mark read failed", "error", err)
	}

	agentID := routing.ResolveAgent(p.sticky, p.channel, sender, hint, p.cfg.AgentID, p.fleetDefault)
	if agentID == "" {
		log.Warn("no agent resolvable, dropping message")
		return
	}

	if reply, handled := p.cmds.Handle(ctx, p.channel, sender, agentID, in.Text); handled {
		p.deliver(ctx, in.ChatID, reply)
		return
	}

	typing := StartTyping(ctx, p.adapter, in.ChatID)
	defer typing.Stop()

	model := p.cmds.ModelOverride(p.channel, sender)
	if model == "" && p.defaultModel != nil {
		model = p.defaultModel(agentID)
	}

	sessionID := sessions.ChannelSessionID(sender, agentID)
	if _, err := p.stores.Sessions.GetOrCreateSession(ctx, sessionID, agentID, p.channel, sender, model); err != nil {
		log.Error("session setup failed", "error", err)
		p.deliver(ctx, in.ChatID, "something went wrong, please try again")
		return
	}

	var attachmentIDs []string
	for _, att := range in.Attachments {
		id, err := p.stores.Attachments.SaveAttachment(ctx, sessionID, att.Name, att.MimeType, att.Data)
		if err != nil {
			log.Warn("attachment save failed", "name", att.Name, "error", err)
			continue
		}
		attachmentIDs = append(attachmentIDs, id)
	}

	if _, err := p.stores.Sessions.AppendMessage(ctx, store.MessageRecord{
		SessionID: sessionID, Role: "user", Content: in.Text, Status: "done",
	}); err != nil {
		log.Error("user message persist failed", "error", err)
	}
	placeholderID, err := p.stores.Sessions.AppendMessage(ctx, store.MessageRecord{
		SessionID: sessionID, Role: "assistant", Status: "streaming",
	})
	if err != nil {
		log.Error("placeholder persist failed", "error", err)
	}

	// Publishing the user message gives us a cursor strictly before any
	// reply event, so the waiter sees exactly this turn.
	cursor, err := p.bus.Publish(ctx, sessionID, bus.Event{
		Type:    protocol.EventUserMessageUpdate,
		Payload: bus.MarshalPayload(map[string]string{"text": in.Text, "sender": sender}),
	})
	if err != nil {
		log.Error("user event publish failed", "error", err)
		p.deliver(ctx, in.ChatID, "something went wrong, please try again")
		return
	}

	if err := p.runner.Run(ctx, RunRequest{
		SessionID:     sessionID,
		AgentID:       agentID,
		Model:         model,
		Text:          in.Text,
		PlaceholderID: placeholderID,
		AttachmentIDs: attachmentIDs,
	}); err != nil {
		log.Error("session run failed", "session", sessionID, "error", err)
		p.abandonPlaceholder(placeholderID)
		p.deliver(ctx, in.ChatID, "the agent could not be reached, please try again")
		return
	}

	reply, outcome := p.awaitReply(ctx, sessionID, cursor)
	typing.Stop()

	switch outcome {
	case replyTimedOut:
		log.Warn("reply wait timed out", "session", sessionID)
		// The turn never reached a commit point; persisting the partial
		// text as a finished reply would fabricate a response.
		p.abandonPlaceholder(placeholderID)
		p.deliver(ctx, in.ChatID, "the agent is taking too long, try again in a moment")
		return
	case replyFailed:
		log.Warn("agent turn failed", "session", sessionID)
		p.abandonPlaceholder(placeholderID)
		p.deliver(ctx, in.ChatID, reply)
		return
	}

	p.commitPlaceholder(placeholderID, reply)
	if reply != "" {
		p.deliver(ctx, in.ChatID, reply)
	}
	if p.sticky != nil {
		p.sticky.Bind(p.channel, sender, agentID)
	}
}

// normalizeSender resolves provider-internal LIDs to phone numbers when a
// mapping exists, then canonicalises the identity.
func (p *Pipeline) normalizeSender(ctx context.Context, raw string) string {
	if p.lids != nil && strings.HasSuffix(raw, "@lid") {
		if phone, err := p.lids.Resolve(ctx, raw); err == nil && phone != "" {
			raw = phone
		}
	}
	return routing.NormalizeIdentity(raw)
}

// checkAllowlist consults the stored allowlist, falling back to the
// bridge config's allow_from entries when storage has none.
func (p *Pipeline) checkAllowlist(ctx context.Context, sender string) (bool, string) {
	entries, err := p.stores.Allowlists.ListAllowlist(ctx, p.channel)
	if err != nil {
		slog.Warn("allowlist load failed, using config entries", "channel", p.channel, "error", err)
		entries = nil
	}
	if len(entries) == 0 {
		entries = p.cfg.AllowFrom
	}
	return routing.NewAllowlist(p.cfg.AllowAll, entries).Check(sender)
}

// replyOutcome says how a reply wait ended.
type replyOutcome int

const (
	replyCommitted replyOutcome = iota
	replyFailed
	replyTimedOut
)

// awaitReply follows the session stream from cursor and assembles the
// assistant's reply, returning when the turn commits, a step fails, or
// the deadline passes. A failed turn still yields text: the run's error
// message when no assistant reply made it through.
func (p *Pipeline) awaitReply(ctx context.Context, sessionID, cursor string) (string, replyOutcome) {
	done := make(chan bool, 1)
	streamer := stream.NewStreamer(sessionID, stream.Hooks{
		OnTurnEnd: func(success bool) {
			select {
			case done <- success:
			default:
			}
		},
		OnStepEnd: func(success bool) {
			if !success {
				select {
				case done <- false:
				default:
				}
			}
		},
	})
	defer streamer.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := p.bus.Subscribe(subCtx, sessionID, cursor)
	if err != nil {
		slog.Error("reply subscribe failed", "session", sessionID, "error", err)
		return "", replyTimedOut
	}

	finish := func(success bool) (string, replyOutcome) {
		if success {
			return assembleReply(streamer.Messages()), replyCommitted
		}
		return failedReply(streamer.Messages()), replyFailed
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return assembleReply(streamer.Messages()), replyTimedOut
			}
			streamer.Apply(ev)
			select {
			case success := <-done:
				return finish(success)
			default:
			}
		case success := <-done:
			return finish(success)
		case <-ctx.Done():
			return assembleReply(streamer.Messages()), replyTimedOut
		}
	}
}

// failedReply picks what a failed turn tells the sender: any committed
// assistant text, otherwise the run's error message.
func failedReply(msgs []stream.Message) string {
	if reply := assembleReply(msgs); reply != "" {
		return reply
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "system" && msgs[i].Kind == stream.KindError && strings.TrimSpace(msgs[i].Text) != "" {
			return strings.TrimSpace(msgs[i].Text)
		}
	}
	return "the agent failed to respond, please try again"
}

// assembleReply joins the turn's committed assistant text. Thinking and
// tool-call entries never reach the channel.
func assembleReply(msgs []stream.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == "assistant" && m.Kind == stream.KindText && strings.TrimSpace(m.Text) != "" {
			parts = append(parts, strings.TrimSpace(m.Text))
		}
	}
	return strings.Join(parts, "\n\n")
}

// deliver formats, chunks, and rate-limits an outbound message.
func (p *Pipeline) deliver(ctx context.Context, chatID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	formatted := p.adapter.Format(text)
	limit := p.adapter.Limits().MaxMessageLen
	for _, chunk := range Chunk(formatted, limit) {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.adapter.SendText(ctx, chatID, chunk); err != nil {
			slog.Error("send failed", "channel", p.channel, "chat", chatID, "error", err)
			return
		}
	}
}

func (p *Pipeline) commitPlaceholder(placeholderID, content string) {
	p.settlePlaceholder(placeholderID, content, "done")
}

// abandonPlaceholder marks a placeholder as errored, without content. A
// turn that never committed must not read back as a finished reply.
func (p *Pipeline) abandonPlaceholder(placeholderID string) {
	p.settlePlaceholder(placeholderID, "", "error")
}

func (p *Pipeline) settlePlaceholder(placeholderID, content, status string) {
	if placeholderID == "" {
		return
	}
	// Detached context: the reply deadline should not leave streaming
	// placeholders behind.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.stores.Sessions.UpdateMessage(ctx, placeholderID, content, status); err != nil {
		slog.Warn("placeholder update failed", "message", placeholderID, "error", err)
	}
}

// Status is the RPC status reply for a bridge instance.
type Status struct {
	Channel   string `json:"channel"`
	Running   bool   `json:"running"`
	AgentID   string `json:"agentId,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}
