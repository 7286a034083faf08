package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/pulse"
	"github.com/fleetworks/fleetd/internal/schedule"
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPGStores creates every store backed by one Postgres pool.
func NewPGStores(dsn string) (*Stores, *sql.DB, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	pg := &PG{db: db}
	return &Stores{
		Sessions:    pg,
		Routines:    pg,
		Allowlists:  pg,
		Favorites:   pg,
		Attachments: pg,
		Context:     pg,
	}, db, nil
}

// PG implements all storage contracts on Postgres.
type PG struct {
	db *sql.DB
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func (p *PG) GetOrCreateSession(ctx context.Context, id, agentID, channel, sender, model string) (SessionRecord, error) {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, channel, sender, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6) ON CONFLICT (id) DO NOTHING`,
		id, agentID, channel, sender, model, now)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("create session %s: %w", id, err)
	}
	rec, ok, err := p.GetSession(ctx, id)
	if err != nil {
		return SessionRecord{}, err
	}
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %s vanished after insert", id)
	}
	return rec, nil
}

func (p *PG) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	var rec SessionRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, agent_id, channel, sender, model, created_at, updated_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&rec.ID, &rec.AgentID, &rec.Channel, &rec.Sender, &rec.Model, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, true, nil
}

func (p *PG) UpdateSessionModel(ctx context.Context, id, model string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET model = $2, updated_at = now() WHERE id = $1`, id, model)
	if err != nil {
		return fmt.Errorf("update session model %s: %w", id, err)
	}
	return nil
}

func (p *PG) DeleteSession(ctx context.Context, id string) error {
	// messages has ON DELETE CASCADE on session_id.
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (p *PG) AppendMessage(ctx context.Context, m MessageRecord) (string, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = "done"
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		m.ID, m.SessionID, m.Role, m.Content, m.Status)
	if err != nil {
		return "", fmt.Errorf("append message to %s: %w", m.SessionID, err)
	}
	return m.ID, nil
}

func (p *PG) UpdateMessage(ctx context.Context, id, content, status string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE messages SET content = $2, status = $3 WHERE id = $1`, id, content, status)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

func (p *PG) ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, status, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PG) ListRoutines(ctx context.Context) ([]schedule.Routine, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, agent_id, spec FROM routines`)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()

	var out []schedule.Routine
	for rows.Next() {
		var id, agentID string
		var spec []byte
		if err := rows.Scan(&id, &agentID, &spec); err != nil {
			return nil, err
		}
		var r schedule.Routine
		if err := json.Unmarshal(spec, &r); err != nil {
			return nil, fmt.Errorf("decode routine %s: %w", id, err)
		}
		r.ID = id
		r.AgentID = agentID
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PG) SaveRoutine(ctx context.Context, r schedule.Routine) error {
	spec, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode routine %s: %w", r.ID, err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO routines (id, agent_id, spec, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET agent_id = $2, spec = $3, updated_at = now()`,
		r.ID, r.AgentID, spec)
	if err != nil {
		return fmt.Errorf("save routine %s: %w", r.ID, err)
	}
	return nil
}

func (p *PG) DeleteRoutine(ctx context.Context, routineID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM routines WHERE id = $1`, routineID); err != nil {
		return fmt.Errorf("delete routine %s: %w", routineID, err)
	}
	return nil
}

func (p *PG) ListAllowlist(ctx context.Context, channel string) ([]config.AllowlistEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, sender, label, default_agent_id FROM allowlists WHERE channel = $1`, channel)
	if err != nil {
		return nil, fmt.Errorf("list allowlist %s: %w", channel, err)
	}
	defer rows.Close()

	var out []config.AllowlistEntry
	for rows.Next() {
		var e config.AllowlistEntry
		var label, agent sql.NullString
		if err := rows.Scan(&e.ID, &e.SenderIdentity, &label, &agent); err != nil {
			return nil, err
		}
		e.Label = label.String
		e.DefaultAgentID = agent.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PG) ListModelFavorites(ctx context.Context, agentID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT model FROM model_favorites WHERE agent_id = $1 ORDER BY position`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list model favorites: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PG) SaveAttachment(ctx context.Context, sessionID, name, mimeType string, data []byte) (string, error) {
	id := newID()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO attachments (id, session_id, name, mime_type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		id, sessionID, name, mimeType, data)
	if err != nil {
		return "", fmt.Errorf("save attachment for %s: %w", sessionID, err)
	}
	return id, nil
}

func (p *PG) UnreadCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM inbox_messages WHERE agent_id = $1 AND read_at IS NULL`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count %s: %w", agentID, err)
	}
	return n, nil
}

func (p *PG) UnreadMessages(ctx context.Context, agentID string) ([]pulse.InboxMessage, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, sender, subject, body, sent_at FROM inbox_messages
		 WHERE agent_id = $1 AND read_at IS NULL ORDER BY sent_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("unread messages %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []pulse.InboxMessage
	for rows.Next() {
		var m pulse.InboxMessage
		var subject, body sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &subject, &body, &m.SentAt); err != nil {
			return nil, err
		}
		m.Subject = subject.String
		m.Body = body.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PG) AssignedTasks(ctx context.Context, agentID string) ([]pulse.Task, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, title, project, work_type, status FROM tasks
		 WHERE assignee = $1 AND status NOT IN ('done', 'cancelled') ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("assigned tasks %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []pulse.Task
	for rows.Next() {
		var t pulse.Task
		var project, workType, status sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &project, &workType, &status); err != nil {
			return nil, err
		}
		t.Project = project.String
		t.WorkType = workType.String
		t.Status = status.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PG) ProjectOverrides(ctx context.Context, agentID, routineID string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM project_overrides
		 WHERE agent_id = $1 AND (routine_id = $2 OR routine_id = '')`, agentID, routineID)
	if err != nil {
		return nil, fmt.Errorf("project overrides %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
