// Package whatsapp is the WhatsApp bridge adapter. A separate bridge
// process owns the WhatsApp web protocol; fleetd speaks JSON frames to it
// over a websocket.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/routing"
)

const linkRequestTimeout = 30 * time.Second

// frame is the JSON envelope both directions use on the bridge socket.
type frame struct {
	Type    string       `json:"type"`
	From    string       `json:"from,omitempty"`
	Chat    string       `json:"chat,omitempty"`
	To      string       `json:"to,omitempty"`
	ID      string       `json:"id,omitempty"`
	Content string       `json:"content,omitempty"`
	Media   []mediaFrame `json:"media,omitempty"`

	// lid_mapping frames
	LID   string `json:"lid,omitempty"`
	Phone string `json:"phone,omitempty"`

	// link management frames
	QR     string `json:"qr,omitempty"`
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

type mediaFrame struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Adapter connects to one bridge websocket.
type Adapter struct {
	cfg     config.WhatsAppConfig
	inbound func(bridge.Inbound)
	lids    *routing.LIDMap // nil disables LID learning

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan frame // frame type → one-shot waiter
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a WhatsApp adapter. lids may be nil.
func New(cfg config.WhatsAppConfig, lids *routing.LIDMap, inbound func(bridge.Inbound)) (*Adapter, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Adapter{
		cfg:     cfg,
		inbound: inbound,
		lids:    lids,
		pending: make(map[string]chan frame),
	}, nil
}

func (a *Adapter) Name() string { return "whatsapp" }

// Start connects to the bridge and begins the read loop. A failed initial
// dial does not fail Start; the loop keeps reconnecting with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	if err := a.connect(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}
	go a.listenLoop()
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	return nil
}

func (a *Adapter) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(a.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", a.cfg.BridgeURL, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	slog.Info("whatsapp bridge connected", "url", a.cfg.BridgeURL)
	return nil
}

func (a *Adapter) listenLoop() {
	backoff := time.Second
	for {
		select {
		case <-a.runCtx.Done():
			return
		default:
		}

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		if conn == nil {
			select {
			case <-a.runCtx.Done():
				return
			case <-time.After(backoff):
			}
			if err := a.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err, "backoff", backoff)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			a.mu.Lock()
			if a.conn != nil {
				_ = a.conn.Close()
				a.conn = nil
			}
			a.mu.Unlock()
			continue
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		a.handleFrame(f)
	}
}

func (a *Adapter) handleFrame(f frame) {
	switch f.Type {
	case "message":
		a.handleIncoming(f)
	case "lid_mapping":
		if a.lids != nil && f.LID != "" && f.Phone != "" {
			if err := a.lids.Put(context.Background(), f.LID, f.Phone); err != nil {
				slog.Warn("lid mapping store failed", "lid", f.LID, "error", err)
			}
		}
	case "link", "link_status", "pairing_code", "unlink":
		a.mu.Lock()
		waiter := a.pending[f.Type]
		delete(a.pending, f.Type)
		a.mu.Unlock()
		if waiter != nil {
			waiter <- f
		}
	}
}

func (a *Adapter) handleIncoming(f frame) {
	if f.From == "" {
		return
	}
	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	in := bridge.Inbound{
		Sender:    f.From,
		ChatID:    chat,
		MessageID: f.ID,
		Text:      f.Content,
	}
	for _, m := range f.Media {
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			slog.Warn("undecodable whatsapp media", "name", m.Name, "error", err)
			continue
		}
		in.Attachments = append(in.Attachments, bridge.NormalizeImage(bridge.Attachment{
			Name:     m.Name,
			MimeType: m.MimeType,
			Data:     data,
		}))
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.inbound(in)
}

func (a *Adapter) write(f frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *Adapter) SendText(_ context.Context, chatID, text string) error {
	return a.write(frame{Type: "message", To: chatID, Content: text})
}

func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	return a.write(frame{Type: "typing", To: chatID})
}

func (a *Adapter) MarkRead(_ context.Context, chatID, messageID string) error {
	return a.write(frame{Type: "read", To: chatID, ID: messageID})
}

func (a *Adapter) Format(markdown string) string { return bridge.FormatAsterisk(markdown) }

func (a *Adapter) Limits() bridge.Limits {
	return bridge.Limits{MaxMessageLen: 4000, TypingInterval: 10 * time.Second}
}

// request performs one request/reply exchange with the bridge, keyed by
// frame type. The bridge serialises link operations, so one waiter per
// type is enough.
func (a *Adapter) request(ctx context.Context, req frame) (frame, error) {
	waiter := make(chan frame, 1)
	a.mu.Lock()
	if _, busy := a.pending[req.Type]; busy {
		a.mu.Unlock()
		return frame{}, fmt.Errorf("%s request already in flight", req.Type)
	}
	a.pending[req.Type] = waiter
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, req.Type)
		a.mu.Unlock()
	}()

	if err := a.write(req); err != nil {
		return frame{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, linkRequestTimeout)
	defer cancel()
	select {
	case resp := <-waiter:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("bridge: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// Link asks the bridge for a fresh device-link QR code.
func (a *Adapter) Link(ctx context.Context) (string, error) {
	resp, err := a.request(ctx, frame{Type: "link"})
	if err != nil {
		return "", err
	}
	return resp.QR, nil
}

func (a *Adapter) LinkStatus(ctx context.Context) (string, error) {
	resp, err := a.request(ctx, frame{Type: "link_status"})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (a *Adapter) PairingCode(ctx context.Context, phone string) (string, error) {
	resp, err := a.request(ctx, frame{Type: "pairing_code", Phone: phone})
	if err != nil {
		return "", err
	}
	return resp.Code, nil
}

func (a *Adapter) Unlink(ctx context.Context) error {
	_, err := a.request(ctx, frame{Type: "unlink"})
	return err
}
