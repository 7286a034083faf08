// Package telegram is the Telegram bridge adapter: Bot API long polling
// inbound, HTML-formatted outbound.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/config"
)

const maxAttachmentBytes = 20 << 20 // Bot API download cap

// Adapter connects one bot token to the bridge framework.
type Adapter struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	inbound func(bridge.Inbound)

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter. The token comes from the environment,
// never from the config file.
func New(cfg config.TelegramConfig, inbound func(bridge.Inbound)) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, cfg: cfg, inbound: inbound}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start begins long polling for updates. Stop cancels the polling context
// and waits for the goroutine so Telegram releases the getUpdates lock
// before a successor connects.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	in := bridge.Inbound{
		Sender:      strconv.FormatInt(msg.From.ID, 10),
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        text,
		Attachments: a.collectAttachments(ctx, msg),
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.inbound(in)
}

// collectAttachments downloads photo and document payloads before the
// pipeline runs, so the session only ever sees bytes.
func (a *Adapter) collectAttachments(ctx context.Context, msg *telego.Message) []bridge.Attachment {
	var out []bridge.Attachment
	if len(msg.Photo) > 0 {
		// Telegram sends every resolution; the last entry is the largest.
		ph := msg.Photo[len(msg.Photo)-1]
		if att, err := a.download(ctx, ph.FileID, "photo.jpg", "image/jpeg"); err != nil {
			slog.Warn("photo download failed", "file_id", ph.FileID, "error", err)
		} else {
			out = append(out, bridge.NormalizeImage(att))
		}
	}
	if doc := msg.Document; doc != nil {
		if att, err := a.download(ctx, doc.FileID, doc.FileName, doc.MimeType); err != nil {
			slog.Warn("document download failed", "file_id", doc.FileID, "error", err)
		} else {
			out = append(out, att)
		}
	}
	return out
}

func (a *Adapter) download(ctx context.Context, fileID, name, mimeType string) (bridge.Attachment, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return bridge.Attachment{}, fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return bridge.Attachment{}, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxAttachmentBytes {
		return bridge.Attachment{}, fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return bridge.Attachment{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bridge.Attachment{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bridge.Attachment{}, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return bridge.Attachment{}, err
	}
	return bridge.Attachment{Name: name, MimeType: mimeType, Data: data}, nil
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	msg := tu.Message(tu.ID(id), text)
	msg.ParseMode = telego.ModeHTML
	if _, err := a.bot.SendMessage(ctx, msg); err != nil {
		// HTML can fail on model output that looks like markup; plain text
		// is the fallback, not a lost message.
		msg.ParseMode = ""
		if _, perr := a.bot.SendMessage(ctx, msg); perr != nil {
			return perr
		}
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	return a.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// MarkRead is a no-op: the Bot API has no read receipts.
func (a *Adapter) MarkRead(context.Context, string, string) error { return nil }

func (a *Adapter) Format(markdown string) string { return bridge.FormatHTML(markdown) }

func (a *Adapter) Limits() bridge.Limits {
	return bridge.Limits{MaxMessageLen: 4096, TypingInterval: 5 * time.Second}
}
