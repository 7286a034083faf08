// Package store defines the narrow storage contracts the runtime core
// consumes and their Postgres implementation. The core treats storage as
// an opaque surface: every call is idempotent or tolerates a retry.
package store

import (
	"context"
	"time"

	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/pulse"
	"github.com/fleetworks/fleetd/internal/schedule"
)

// SessionRecord is one persisted conversation or pulse session.
type SessionRecord struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Channel   string    `json:"channel,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageRecord is one persisted transcript message. Streaming
// placeholders are inserted with Status "streaming" and committed to
// "done" at turn boundaries.
type MessageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Status    string    `json:"status"` // "streaming" or "done"
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStore persists sessions and their messages.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, id, agentID, channel, sender, model string) (SessionRecord, error)
	GetSession(ctx context.Context, id string) (SessionRecord, bool, error)
	UpdateSessionModel(ctx context.Context, id, model string) error
	// DeleteSession removes the session row and all its messages.
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m MessageRecord) (string, error)
	UpdateMessage(ctx context.Context, id, content, status string) error
	ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error)
}

// RoutineStore persists pulse routines so the scheduler can be rebuilt
// at boot.
type RoutineStore interface {
	ListRoutines(ctx context.Context) ([]schedule.Routine, error)
	SaveRoutine(ctx context.Context, r schedule.Routine) error
	DeleteRoutine(ctx context.Context, routineID string) error
}

// AllowlistStore loads per-channel allowlists. The config file's
// allow_from entries are the fallback when storage has none.
type AllowlistStore interface {
	ListAllowlist(ctx context.Context, channel string) ([]config.AllowlistEntry, error)
}

// FavoritesStore lists per-agent model favourites for /modelfavs.
type FavoritesStore interface {
	ListModelFavorites(ctx context.Context, agentID string) ([]string, error)
}

// AttachmentStore uploads attachment bytes after the owning session
// exists.
type AttachmentStore interface {
	SaveAttachment(ctx context.Context, sessionID, name, mimeType string, data []byte) (string, error)
}

// ContextStore is the pulse executor's context surface: unread inbox,
// assigned tasks, per-project overrides.
type ContextStore = pulse.ContextStore

// Stores bundles every contract the runtime consumes.
type Stores struct {
	Sessions    SessionStore
	Routines    RoutineStore
	Allowlists  AllowlistStore
	Favorites   FavoritesStore
	Attachments AttachmentStore
	Context     ContextStore
}
