// Package signal is the Signal bridge adapter against a signal-cli REST
// API instance: websocket receive, HTTP v2/send.
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/fleetworks/fleetd/internal/bridge"
	"github.com/fleetworks/fleetd/internal/config"
)

// envelope is the signal-cli receive frame (the subset we consume).
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
			Attachments []struct {
				ID          string `json:"id"`
				Filename    string `json:"filename"`
				ContentType string `json:"contentType"`
				Size        int64  `json:"size"`
			} `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

type sendRequest struct {
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Recipients        []string `json:"recipients"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
}

// Adapter connects one linked Signal account to the bridge framework.
type Adapter struct {
	cfg     config.SignalConfig
	inbound func(bridge.Inbound)
	http    *http.Client

	runCancel context.CancelFunc
	done      chan struct{}
}

// New creates a Signal adapter.
func New(cfg config.SignalConfig, inbound func(bridge.Inbound)) (*Adapter, error) {
	if cfg.APIURL == "" || cfg.Number == "" {
		return nil, fmt.Errorf("signal api_url and number are required")
	}
	return &Adapter{
		cfg:     cfg,
		inbound: inbound,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *Adapter) Name() string { return "signal" }

// Start opens the receive websocket and begins the read loop, which
// reconnects with backoff for the adapter's lifetime.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.done = make(chan struct{})
	go a.receiveLoop(runCtx)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-time.After(10 * time.Second):
			slog.Warn("signal receive loop did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) wsURL() string {
	u := strings.TrimSuffix(a.cfg.APIURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return fmt.Sprintf("%s/v1/receive/%s", u, url.PathEscape(a.cfg.Number))
}

func (a *Adapter) receiveLoop(ctx context.Context) {
	defer close(a.done)
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, a.wsURL(), nil)
		if err != nil {
			slog.Warn("signal receive dial failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		conn.SetReadLimit(16 << 20)
		backoff = time.Second
		slog.Info("signal receive connected", "number", a.cfg.Number)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				if ctx.Err() != nil {
					return
				}
				slog.Warn("signal read error, will reconnect", "error", err)
				break
			}
			a.handleEnvelope(ctx, data)
		}
	}
}

func (a *Adapter) handleEnvelope(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("invalid signal envelope", "error", err)
		return
	}
	dm := env.Envelope.DataMessage
	if dm == nil {
		return
	}
	sender := env.Envelope.SourceNumber
	if sender == "" {
		sender = env.Envelope.Source
	}
	if sender == "" {
		return
	}
	chatID := sender
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		chatID = "group." + dm.GroupInfo.GroupID
	}

	in := bridge.Inbound{
		Sender:    sender,
		ChatID:    chatID,
		MessageID: fmt.Sprintf("%d", env.Envelope.Timestamp),
		Text:      dm.Message,
	}
	for _, att := range dm.Attachments {
		data, err := a.fetchAttachment(ctx, att.ID)
		if err != nil {
			slog.Warn("signal attachment fetch failed", "id", att.ID, "error", err)
			continue
		}
		in.Attachments = append(in.Attachments, bridge.NormalizeImage(bridge.Attachment{
			Name:     att.Filename,
			MimeType: att.ContentType,
			Data:     data,
		}))
	}
	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}
	a.inbound(in)
}

func (a *Adapter) fetchAttachment(ctx context.Context, id string) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/attachments/%s", strings.TrimSuffix(a.cfg.APIURL, "/"), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 100<<20))
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendRequest{
		Message:    text,
		Number:     a.cfg.Number,
		Recipients: []string{chatID},
	})
	if err != nil {
		return err
	}
	u := strings.TrimSuffix(a.cfg.APIURL, "/") + "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("signal send status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SendTyping hits the typing indicator endpoint; older signal-cli builds
// lack it, so failures are soft.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	u := fmt.Sprintf("%s/v1/typing-indicator/%s", strings.TrimSuffix(a.cfg.APIURL, "/"), url.PathEscape(a.cfg.Number))
	body, _ := json.Marshal(map[string]string{"recipient": chatID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// MarkRead sends a read receipt for the message timestamp.
func (a *Adapter) MarkRead(ctx context.Context, chatID, messageID string) error {
	u := fmt.Sprintf("%s/v1/receipts/%s", strings.TrimSuffix(a.cfg.APIURL, "/"), url.PathEscape(a.cfg.Number))
	body, _ := json.Marshal(map[string]string{
		"receipt_type": "read",
		"recipient":    chatID,
		"timestamp":    messageID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *Adapter) Format(markdown string) string { return bridge.FormatAsterisk(markdown) }

func (a *Adapter) Limits() bridge.Limits {
	return bridge.Limits{MaxMessageLen: 2000, TypingInterval: 10 * time.Second}
}

// Link fetches a device-link QR code (base64 PNG) from the REST API.
func (a *Adapter) Link(ctx context.Context) (string, error) {
	u := strings.TrimSuffix(a.cfg.APIURL, "/") + "/v1/qrcodelink?device_name=fleetd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("qrcodelink status %d", resp.StatusCode)
	}
	png, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// LinkStatus reports whether the configured number is registered with the
// API instance.
func (a *Adapter) LinkStatus(ctx context.Context) (string, error) {
	u := strings.TrimSuffix(a.cfg.APIURL, "/") + "/v1/accounts"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var accounts []string
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return "", err
	}
	for _, acct := range accounts {
		if acct == a.cfg.Number {
			return "linked", nil
		}
	}
	return "unlinked", nil
}

// PairingCode is not offered by the signal-cli REST API; linking is QR only.
func (a *Adapter) PairingCode(context.Context, string) (string, error) {
	return "", fmt.Errorf("signal linking is QR only")
}

// Unlink deregisters the account from the API instance.
func (a *Adapter) Unlink(ctx context.Context) error {
	u := fmt.Sprintf("%s/v1/unregister/%s", strings.TrimSuffix(a.cfg.APIURL, "/"), url.PathEscape(a.cfg.Number))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unregister status %d", resp.StatusCode)
	}
	return nil
}
