package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetworks/fleetd/internal/config"
	"github.com/fleetworks/fleetd/internal/pulse"
	"github.com/fleetworks/fleetd/internal/schedule"
)

// Memory implements every storage contract in process. It backs tests
// and standalone setups that run without Postgres.
type Memory struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	messages  map[string][]MessageRecord // sessionID → ordered messages
	routines  map[string]schedule.Routine
	allow     map[string][]config.AllowlistEntry // channel → entries
	favorites map[string][]string
	inbox     map[string][]pulse.InboxMessage
	tasks     map[string][]pulse.Task
	overrides map[string]map[string]string // agentID → key → value
	nextMsg   int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string]SessionRecord),
		messages:  make(map[string][]MessageRecord),
		routines:  make(map[string]schedule.Routine),
		allow:     make(map[string][]config.AllowlistEntry),
		favorites: make(map[string][]string),
		inbox:     make(map[string][]pulse.InboxMessage),
		tasks:     make(map[string][]pulse.Task),
		overrides: make(map[string]map[string]string),
	}
}

// AsStores bundles the memory store into the Stores container.
func (m *Memory) AsStores() *Stores {
	return &Stores{
		Sessions:    m,
		Routines:    m,
		Allowlists:  m,
		Favorites:   m,
		Attachments: m,
		Context:     m,
	}
}

func (m *Memory) GetOrCreateSession(_ context.Context, id, agentID, channel, sender, model string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		return rec, nil
	}
	now := time.Now().UTC()
	rec := SessionRecord{ID: id, AgentID: agentID, Channel: channel, Sender: sender, Model: model, CreatedAt: now, UpdatedAt: now}
	m.sessions[id] = rec
	return rec, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok, nil
}

func (m *Memory) UpdateSessionModel(_ context.Context, id, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	rec.Model = model
	rec.UpdatedAt = time.Now().UTC()
	m.sessions[id] = rec
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg MessageRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		m.nextMsg++
		msg.ID = fmt.Sprintf("msg-%d", m.nextMsg)
	}
	if msg.Status == "" {
		msg.Status = "done"
	}
	msg.CreatedAt = time.Now().UTC()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return msg.ID, nil
}

func (m *Memory) UpdateMessage(_ context.Context, id, content, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				msgs[i].Content = content
				msgs[i].Status = status
				m.messages[sid] = msgs
				return nil
			}
		}
	}
	return fmt.Errorf("message %s not found", id)
}

func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	out := make([]MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *Memory) ListRoutines(context.Context) ([]schedule.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.Routine, 0, len(m.routines))
	for _, r := range m.routines {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRoutine(_ context.Context, r schedule.Routine) error {
	m.mu.Lock()
	m.routines[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRoutine(_ context.Context, routineID string) error {
	m.mu.Lock()
	delete(m.routines, routineID)
	m.mu.Unlock()
	return nil
}

// SetAllowlist seeds a channel's allowlist.
func (m *Memory) SetAllowlist(channel string, entries []config.AllowlistEntry) {
	m.mu.Lock()
	m.allow[channel] = entries
	m.mu.Unlock()
}

func (m *Memory) ListAllowlist(_ context.Context, channel string) ([]config.AllowlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]config.AllowlistEntry(nil), m.allow[channel]...), nil
}

// SetModelFavorites seeds an agent's favourites.
func (m *Memory) SetModelFavorites(agentID string, models []string) {
	m.mu.Lock()
	m.favorites[agentID] = models
	m.mu.Unlock()
}

func (m *Memory) ListModelFavorites(_ context.Context, agentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.favorites[agentID]...), nil
}

func (m *Memory) SaveAttachment(_ context.Context, sessionID, name, _ string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return "", fmt.Errorf("session %s not found", sessionID)
	}
	m.nextMsg++
	return fmt.Sprintf("att-%d-%s", m.nextMsg, name), nil
}

// AddInboxMessage seeds an unread message for an agent.
func (m *Memory) AddInboxMessage(agentID string, msg pulse.InboxMessage) {
	m.mu.Lock()
	m.inbox[agentID] = append(m.inbox[agentID], msg)
	m.mu.Unlock()
}

// AddTask seeds an assigned task for an agent.
func (m *Memory) AddTask(agentID string, t pulse.Task) {
	m.mu.Lock()
	m.tasks[agentID] = append(m.tasks[agentID], t)
	m.mu.Unlock()
}

func (m *Memory) UnreadCount(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox[agentID]), nil
}

func (m *Memory) UnreadMessages(_ context.Context, agentID string) ([]pulse.InboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pulse.InboxMessage(nil), m.inbox[agentID]...), nil
}

func (m *Memory) AssignedTasks(_ context.Context, agentID string) ([]pulse.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pulse.Task(nil), m.tasks[agentID]...), nil
}

func (m *Memory) ProjectOverrides(_ context.Context, agentID, _ string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.overrides[agentID]))
	for k, v := range m.overrides[agentID] {
		out[k] = v
	}
	return out, nil
}
