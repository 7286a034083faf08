package bridge

import (
	"context"
	"time"
)

// Attachment is pre-downloaded media carried through the inbound
// pipeline. Bytes are fetched before the session exists and uploaded
// only after it does.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Inbound is a normalised inbound message handed to the Coordinator by
// an adapter.
type Inbound struct {
	Sender      string // raw platform identity, normalised by the pipeline
	ChatID      string
	MessageID   string
	Text        string
	Attachments []Attachment
}

// Limits describes the channel's wire constraints.
type Limits struct {
	MaxMessageLen  int           // chunking limit
	TypingInterval time.Duration // native typing-indicator cadence
}

// Adapter is the channel-specific surface the Coordinator drives. One
// adapter owns one provider connection.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
	// MarkRead acknowledges an inbound message; adapters without read
	// receipts return nil.
	MarkRead(ctx context.Context, chatID, messageID string) error

	// Format converts markdown to the channel's native markup.
	Format(markdown string) string
	Limits() Limits
}

// Linker is implemented by adapters whose providers need device linking
// (QR or pairing code).
type Linker interface {
	Link(ctx context.Context) (qr string, err error)
	LinkStatus(ctx context.Context) (string, error)
	PairingCode(ctx context.Context, phone string) (string, error)
	Unlink(ctx context.Context) error
}
