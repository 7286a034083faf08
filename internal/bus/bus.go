// Package bus is the Redis-backed event fabric of the runtime: durable
// per-session event streams with cursor replay, pub/sub topics for wakes and
// credential changes, a request/reply RPC helper, and a distributed lock.
//
// Streams use Redis entry ids as both event ids and replay cursors, so the
// ordering guarantee is Redis's own: entries are observed in publication
// order and a reconnecting subscriber that supplies its last-seen cursor
// receives the catch-up batch followed by live entries without gaps.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetworks/fleetd/pkg/protocol"
)

const (
	// blockInterval bounds each XREAD so subscriber goroutines notice
	// context cancellation promptly.
	blockInterval = 5 * time.Second

	subscribeBuffer = 256
)

// Bus wraps a Redis client with the stream and topic operations the
// runtime needs.
type Bus struct {
	rdb          *redis.Client
	streamMaxLen int64
}

// New creates a Bus on top of an existing Redis client. maxLen bounds
// entries retained per session stream; zero keeps streams unbounded.
func New(rdb *redis.Client, maxLen int64) *Bus {
	return &Bus{rdb: rdb, streamMaxLen: maxLen}
}

// Redis exposes the underlying client for collaborators that share the
// connection (counter store, locks).
func (b *Bus) Redis() *redis.Client { return b.rdb }

// Publish appends an event to the session's durable stream and returns the
// assigned cursor. The event's ID and Timestamp fields are set server-side.
func (b *Bus) Publish(ctx context.Context, sessionID string, ev Event) (string, error) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ID = "" // assigned by Redis, never trusted from the caller
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: protocol.SessionStreamKey(sessionID),
		Values: map[string]any{"type": ev.Type, "body": body},
	}
	if b.streamMaxLen > 0 {
		args.MaxLen = b.streamMaxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", sessionID, err)
	}
	return id, nil
}

// ReplayFrom returns all retained events after the given cursor, in order.
// An empty cursor replays the whole retained stream.
func (b *Bus) ReplayFrom(ctx context.Context, sessionID, sinceCursor string) ([]Event, error) {
	start := "-"
	if sinceCursor != "" {
		start = "(" + sinceCursor
	}
	entries, err := b.rdb.XRange(ctx, protocol.SessionStreamKey(sessionID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", sessionID, err)
	}
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := decodeEntry(entry)
		if err != nil {
			slog.Warn("skipping undecodable stream entry", "session", sessionID, "id", entry.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe delivers events for a session on the returned channel: first a
// catch-up batch after sinceCursor, then live entries, without gaps or
// duplicates across the handoff. If the cursor predates the stream's
// retention, the first delivered event is a synthetic
// session_status{replay_truncated} and replay starts from the oldest
// retained entry. The channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, sessionID, sinceCursor string) (<-chan Event, error) {
	truncated, err := b.cursorTruncated(ctx, sessionID, sinceCursor)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, subscribeBuffer)
	go func() {
		defer close(out)

		cursor := sinceCursor
		if truncated {
			ev := Event{
				Type:      protocol.EventSessionStatus,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				Payload:   MarshalPayload(map[string]string{"status": protocol.StatusReplayTruncated}),
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			cursor = "" // re-replay from the oldest retained entry
		}

		if cursor == "" {
			cursor = "0-0"
		}
		stream := protocol.SessionStreamKey(sessionID)
		for {
			res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, cursor},
				Block:   blockInterval,
				Count:   int64(subscribeBuffer),
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // block timeout, poll again
				}
				if ctx.Err() != nil {
					return
				}
				slog.Warn("xread failed, retrying", "session", sessionID, "error", err)
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, str := range res {
				for _, entry := range str.Messages {
					cursor = entry.ID
					ev, err := decodeEntry(entry)
					if err != nil {
						slog.Warn("skipping undecodable stream entry", "session", sessionID, "id", entry.ID, "error", err)
						continue
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// cursorTruncated reports whether sinceCursor refers to an entry that has
// been trimmed out of the stream. The cursor is an id the subscriber
// actually observed, so if it is older than the oldest retained entry and
// no longer present, intermediate entries may be lost.
func (b *Bus) cursorTruncated(ctx context.Context, sessionID, sinceCursor string) (bool, error) {
	if sinceCursor == "" {
		return false, nil
	}
	stream := protocol.SessionStreamKey(sessionID)
	first, err := b.rdb.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return false, fmt.Errorf("xrange %s: %w", sessionID, err)
	}
	if len(first) == 0 {
		// Empty stream: the cursor's entries are gone entirely.
		return true, nil
	}
	if !CursorLess(sinceCursor, first[0].ID) {
		return false, nil
	}
	// Cursor older than the oldest retained entry. It was observed once, so
	// unless it still exists the gap is real.
	exact, err := b.rdb.XRangeN(ctx, stream, sinceCursor, sinceCursor, 1).Result()
	if err != nil {
		return false, fmt.Errorf("xrange %s: %w", sessionID, err)
	}
	return len(exact) == 0, nil
}

// DestroySession removes a session's durable stream.
func (b *Bus) DestroySession(ctx context.Context, sessionID string) error {
	return b.rdb.Del(ctx, protocol.SessionStreamKey(sessionID)).Err()
}

func decodeEntry(entry redis.XMessage) (Event, error) {
	raw, ok := entry.Values["body"].(string)
	if !ok {
		return Event{}, fmt.Errorf("entry %s has no body", entry.ID)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, err
	}
	ev.ID = entry.ID
	return ev, nil
}
