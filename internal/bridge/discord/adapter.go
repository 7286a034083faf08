// Package discord is the Discord bridge adapter over the gateway
// websocket.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/config"
)

const maxAttachmentBytes = 25 << 20

// Adapter connects one bot token to the bridge framework.
type Adapter struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	inbound   func(bridge.Inbound)
	botUserID string // populated on Start
}

// New creates a Discord adapter. The token comes from the environment,
// never from the config file.
func New(cfg config.DiscordConfig, inbound func(bridge.Inbound)) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{session: session, cfg: cfg, inbound: inbound}, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	return a.session.Close()
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	// In guild channels only react when mentioned (default on); DMs always
	// go through.
	if m.GuildID != "" && a.cfg.RequireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == a.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	in := bridge.Inbound{
		Sender:      m.Author.ID,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		Text:        m.Content,
		Attachments: a.collectAttachments(m),
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.inbound(in)
}

func (a *Adapter) collectAttachments(m *discordgo.MessageCreate) []bridge.Attachment {
	var out []bridge.Attachment
	for _, att := range m.Attachments {
		if att.Size > maxAttachmentBytes {
			slog.Warn("discord attachment too large", "name", att.Filename, "size", att.Size)
			continue
		}
		data, err := download(att.URL)
		if err != nil {
			slog.Warn("discord attachment download failed", "name", att.Filename, "error", err)
			continue
		}
		out = append(out, bridge.NormalizeImage(bridge.Attachment{
			Name:     att.Filename,
			MimeType: att.ContentType,
			Data:     data,
		}))
	}
	return out
}

func download(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
}

func (a *Adapter) SendText(_ context.Context, chatID, text string) error {
	if _, err := a.session.ChannelMessageSend(chatID, text); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	return a.session.ChannelTyping(chatID)
}

// MarkRead is a no-op: bots cannot acknowledge reads on Discord.
func (a *Adapter) MarkRead(context.Context, string, string) error { return nil }

// Format passes markdown through: Discord renders it natively.
func (a *Adapter) Format(markdown string) string { return markdown }

func (a *Adapter) Limits() bridge.Limits {
	// Discord drops the typing indicator after 10s; refresh just under.
	return bridge.Limits{MaxMessageLen: 2000, TypingInterval: 9 * time.Second}
}
