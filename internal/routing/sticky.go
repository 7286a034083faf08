// Package routing resolves inbound messages to agents: sticky
// conversation bindings, allowlist matching, and the LID-to-phone
// identity map one channel needs.
package routing

import (
	"sync"
	"time"
)

// StickyMap binds (channel, sender) to an agent so follow-up messages in
// a conversation keep hitting the same agent. Entries expire ttl after
// their last refresh; /new evicts explicitly.
type StickyMap struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*stickyEntry
	now     func() time.Time
}

type stickyEntry struct {
	agentID      string
	lastActivity time.Time
}

// NewStickyMap creates a StickyMap with the given TTL (1 hour when <= 0).
func NewStickyMap(ttl time.Duration) *StickyMap {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StickyMap{
		ttl:     ttl,
		entries: make(map[string]*stickyEntry),
		now:     time.Now,
	}
}

func stickyKey(channel, sender string) string {
	return channel + "|" + sender
}

// Resolve returns the bound agent for a sender, refreshing the entry's
// activity clock. Expired entries are treated as absent.
func (m *StickyMap) Resolve(channel, sender string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stickyKey(channel, sender)
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	now := m.now()
	if now.Sub(e.lastActivity) > m.ttl {
		delete(m.entries, key)
		return "", false
	}
	e.lastActivity = now
	return e.agentID, true
}

// Bind records or refreshes a sticky binding. Last writer wins.
func (m *StickyMap) Bind(channel, sender, agentID string) {
	m.mu.Lock()
	m.entries[stickyKey(channel, sender)] = &stickyEntry{
		agentID:      agentID,
		lastActivity: m.now(),
	}
	m.mu.Unlock()
}

// Touch refreshes the activity clock without changing the binding.
func (m *StickyMap) Touch(channel, sender string) {
	m.mu.Lock()
	if e, ok := m.entries[stickyKey(channel, sender)]; ok {
		e.lastActivity = m.now()
	}
	m.mu.Unlock()
}

// Evict removes a binding, typically on /new.
func (m *StickyMap) Evict(channel, sender string) {
	m.mu.Lock()
	delete(m.entries, stickyKey(channel, sender))
	m.mu.Unlock()
}
