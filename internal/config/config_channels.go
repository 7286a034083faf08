package config

// ChannelsConfig groups per-channel bridge settings. A channel runs only
// when its config is present and Enabled.
type ChannelsConfig struct {
	Telegram []TelegramConfig `json:"telegram,omitempty"`
	Discord  []DiscordConfig  `json:"discord,omitempty"`
	WhatsApp []WhatsAppConfig `json:"whatsapp,omitempty"`
	Signal   []SignalConfig   `json:"signal,omitempty"`
}

// BridgeConfig carries the settings common to every channel bridge.
type BridgeConfig struct {
	Enabled        bool             `json:"enabled"`
	AgentID        string           `json:"agent_id,omitempty"`       // default agent for this bridge instance
	AllowAll       bool             `json:"allow_all,omitempty"`      // bypass allowlist (entry hints still apply)
	AllowFrom      []AllowlistEntry `json:"allow_from,omitempty"`     // fallback when storage has no allowlist
	StreamMode     string           `json:"stream_mode,omitempty"`    // "live" or "none" (default)
	ReplyTimeoutMs int              `json:"reply_timeout_ms,omitempty"` // inbound processing cap, default 120000
}

// AllowlistEntry permits a sender and optionally pins a default agent.
type AllowlistEntry struct {
	ID             string `json:"id,omitempty"`
	SenderIdentity string `json:"sender"` // E.164 for phone channels, user id otherwise
	Label          string `json:"label,omitempty"`
	DefaultAgentID string `json:"default_agent_id,omitempty"`
}

// TelegramConfig configures one Telegram bot instance.
type TelegramConfig struct {
	BridgeConfig
	Token string `json:"-"` // from env FLEETD_TELEGRAM_TOKEN[_<AGENT>] only
}

// DiscordConfig configures one Discord bot instance.
type DiscordConfig struct {
	BridgeConfig
	Token          string `json:"-"` // from env FLEETD_DISCORD_TOKEN[_<AGENT>] only
	RequireMention bool   `json:"require_mention,omitempty"`
}

// WhatsAppConfig configures one WhatsApp web-bridge connection.
// The bridge process owns the WhatsApp protocol; fleetd speaks JSON over WS.
type WhatsAppConfig struct {
	BridgeConfig
	BridgeURL string `json:"bridge_url"`
}

// SignalConfig configures one signal-cli REST API connection.
type SignalConfig struct {
	BridgeConfig
	APIURL string `json:"api_url"`
	Number string `json:"number"` // E.164 of the linked account
}

// ReplyTimeoutOrDefault returns the inbound reply timeout in ms.
func (b BridgeConfig) ReplyTimeoutOrDefault() int {
	if b.ReplyTimeoutMs > 0 {
		return b.ReplyTimeoutMs
	}
	return 120000
}
