package stream

import (
	"sync"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

// Client is the consumer-side stream state machine used by channel
// bridges and the dashboard. It prevents duplication on reconnect with a
// two-stage bootstrap: while history loads from durable storage every
// incoming event is queued; once HistoryLoaded is signalled the queue is
// drained, dropping replayed events whose effect is already represented
// by a durable message.
type Client struct {
	apply  func(ev bus.Event)
	resync func()

	mu      sync.Mutex
	loading bool
	queue   []bus.Event
	cursor  string
}

// NewClient builds a Client in the loading state. apply receives events
// that survive deduplication (typically Streamer.Apply); resync is called
// when the server reports truncated replay and the consumer must reload
// from storage.
func NewClient(apply func(bus.Event), resync func()) *Client {
	return &Client{apply: apply, resync: resync, loading: true}
}

// Cursor returns the last observed event id, usable as the replay cursor
// on the next subscribe.
func (c *Client) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// BeginSync re-enters the loading state; subsequent events queue until
// HistoryLoaded.
func (c *Client) BeginSync() {
	c.mu.Lock()
	c.loading = true
	c.queue = nil
	c.mu.Unlock()
}

// Handle processes one bus event. A replay-truncated status discards
// local state and asks the consumer to re-sync from storage.
func (c *Client) Handle(ev bus.Event) {
	if ev.Type == protocol.EventSessionStatus &&
		ev.PayloadString("status") == protocol.StatusReplayTruncated {
		c.BeginSync()
		if c.resync != nil {
			c.resync()
		}
		return
	}

	c.mu.Lock()
	c.advanceCursorLocked(ev.ID)
	if c.loading {
		c.queue = append(c.queue, ev)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.apply(ev)
}

// HistoryLoaded drains the bootstrap queue. Events that replayed from the
// durable stream (they carry an event id) and whose message is already in
// dbMessageIDs are dropped; everything else is applied in order. The
// cursor has already advanced past every queued event.
func (c *Client) HistoryLoaded(dbMessageIDs []string) {
	durable := make(map[string]bool, len(dbMessageIDs))
	for _, id := range dbMessageIDs {
		durable[id] = true
	}

	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.loading = false
	c.mu.Unlock()

	for _, ev := range pending {
		if ev.ID != "" && durable[ev.PayloadString("messageId")] {
			continue
		}
		c.apply(ev)
	}
}

func (c *Client) advanceCursorLocked(id string) {
	if id != "" && bus.CursorLess(c.cursor, id) {
		c.cursor = id
	}
}
