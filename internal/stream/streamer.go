// Package stream assembles per-session runner events into an ordered
// transcript (the Streamer) and reconciles replayed history with live
// events on the consumer side (the Client).
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetworks/fleetd/internal/bus"
	"github.com/fleetworks/fleetd/pkg/protocol"
)

// defaultFlushInterval batches token deltas into one observer
// notification per tick. Structural events always notify synchronously.
const defaultFlushInterval = 30 * time.Millisecond

// Block identifies which accumulator is currently open.
type Block int

const (
	BlockNone Block = iota
	BlockThinking
	BlockOutput
)

// MessageKind classifies a transcript entry.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindThinking MessageKind = "thinking"
	KindToolCall MessageKind = "tool_call"
	KindError    MessageKind = "error"
	KindSystem   MessageKind = "system"
)

// Message is one entry in the assembled transcript.
type Message struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"` // "assistant" or "system"
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Streaming  bool        `json:"streaming,omitempty"`
	ToolName   string      `json:"toolName,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	ToolResult string      `json:"toolResult,omitempty"`
	ToolError  string      `json:"toolError,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
}

// Hooks are the streamer's observer callbacks. All are optional.
type Hooks struct {
	// OnUpdate receives the full transcript. Token deltas coalesce into at
	// most one call per flush interval; structural changes call it
	// synchronously.
	OnUpdate func(messages []Message)
	// OnTurnEnd fires when a turn commits normally. Suppressed after an
	// abort.
	OnTurnEnd func(success bool)
	// OnStepEnd fires for every step boundary.
	OnStepEnd func(success bool)
	// OnState reports coarse agent activity ("thinking", "working",
	// "tool_calling", "idle").
	OnState func(state string)
}

// Streamer assembles one session's events into an ordered transcript.
// Apply must be called in event order; the streamer serialises internally
// so concurrent subscribers are still safe.
type Streamer struct {
	sessionID string
	hooks     Hooks

	mu                sync.Mutex
	messages          []Message
	streamingText     string
	streamingThinking string
	activeBlock       Block
	activeMsg         int // index into messages, valid while activeBlock != BlockNone
	inflightTools     map[string]int
	aborted           bool
	nextID            int

	flushInterval time.Duration
	dirty         bool
	flushPending  bool
	closed        bool
}

// NewStreamer creates a Streamer for one session.
func NewStreamer(sessionID string, hooks Hooks) *Streamer {
	return &Streamer{
		sessionID:     sessionID,
		hooks:         hooks,
		inflightTools: make(map[string]int),
		flushInterval: defaultFlushInterval,
	}
}

// Messages returns a copy of the current transcript.
func (s *Streamer) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close stops pending flushes.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Apply folds one event into the transcript.
func (s *Streamer) Apply(ev bus.Event) {
	s.mu.Lock()

	switch ev.Type {
	case protocol.EventThinkingDelta:
		s.appendDeltaLocked(BlockThinking, ev.PayloadString("text"))
		s.setStateLocked("thinking")
		s.scheduleFlushLocked()
		s.mu.Unlock()

	case protocol.EventOutputDelta:
		s.appendDeltaLocked(BlockOutput, ev.PayloadString("text"))
		s.setStateLocked("working")
		s.scheduleFlushLocked()
		s.mu.Unlock()

	case protocol.EventToolStart:
		s.commitOpenBlockLocked()
		idx := s.appendLocked(Message{
			Role:       "assistant",
			Kind:       KindToolCall,
			ToolName:   ev.PayloadString("name"),
			ToolCallID: ev.ToolCallID,
			Streaming:  true,
		})
		if ev.ToolCallID != "" {
			s.inflightTools[ev.ToolCallID] = idx
		}
		s.setStateLocked("tool_calling")
		s.notifyLocked()

	case protocol.EventToolEnd:
		s.finishToolLocked(ev)
		s.notifyLocked()

	case protocol.EventStepEnd:
		success := ev.PayloadBool("success")
		if !success {
			s.commitOpenBlockLocked()
			msg := ev.PayloadString("error")
			if msg == "" {
				msg = "agent failed to respond — check provider configuration"
			}
			s.appendLocked(Message{Role: "system", Kind: KindError, Text: msg})
		}
		s.mu.Unlock()
		if s.hooks.OnStepEnd != nil {
			s.hooks.OnStepEnd(success)
		}
		s.mu.Lock()
		s.notifyLocked()

	case protocol.EventTurnEnd:
		if s.aborted {
			// The abort already committed the partial transcript; running
			// the normal turn-end path would overwrite it from storage.
			s.aborted = false
			s.mu.Unlock()
			return
		}
		s.commitAllLocked()
		s.setStateLocked("idle")
		success := ev.PayloadBool("success")
		s.mu.Unlock()
		if s.hooks.OnTurnEnd != nil {
			s.hooks.OnTurnEnd(success)
		}
		s.mu.Lock()
		s.notifyLocked()

	case protocol.EventResponseAborted:
		s.abortLocked()
		s.setStateLocked("idle")
		s.notifyLocked()

	case protocol.EventSessionError:
		s.commitOpenBlockLocked()
		msg := ev.PayloadString("error")
		if msg == "" {
			msg = "session error"
		}
		s.appendLocked(Message{Role: "system", Kind: KindError, Text: msg})
		s.notifyLocked()

	case protocol.EventSessionComplete:
		s.commitAllLocked()
		s.setStateLocked("idle")
		s.notifyLocked()

	default:
		// session_status, container_ready, tts_audio and friends carry no
		// transcript content.
		s.mu.Unlock()
	}
}

// appendDeltaLocked routes a token delta into its accumulator, committing
// the other block first when the stream switches block kinds.
func (s *Streamer) appendDeltaLocked(block Block, text string) {
	if s.activeBlock != block {
		s.commitOpenBlockLocked()
		kind := KindText
		if block == BlockThinking {
			kind = KindThinking
		}
		s.activeMsg = s.appendLocked(Message{Role: "assistant", Kind: kind, Streaming: true})
		s.activeBlock = block
	}
	if block == BlockThinking {
		s.streamingThinking += text
		s.messages[s.activeMsg].Text = s.streamingThinking
	} else {
		s.streamingText += text
		s.messages[s.activeMsg].Text = s.streamingText
	}
	s.dirty = true
}

// commitOpenBlockLocked finalises the currently open accumulator block.
func (s *Streamer) commitOpenBlockLocked() {
	if s.activeBlock == BlockNone {
		return
	}
	s.messages[s.activeMsg].Streaming = false
	s.activeBlock = BlockNone
	s.streamingText = ""
	s.streamingThinking = ""
}

// commitAllLocked commits the open block and every remaining streaming
// placeholder, tool calls included. Committing only the most recent one
// leaks orphaned placeholders on handoff.
func (s *Streamer) commitAllLocked() {
	s.commitOpenBlockLocked()
	for i := range s.messages {
		s.messages[i].Streaming = false
	}
	s.inflightTools = make(map[string]int)
}

func (s *Streamer) abortLocked() {
	s.aborted = true
	s.commitOpenBlockLocked()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if m.Role == "assistant" && (m.Kind == KindText || m.Kind == KindThinking) {
			m.Text += " [stopped]"
			return
		}
	}
	s.appendLocked(Message{Role: "system", Kind: KindSystem, Text: "Response stopped"})
}

type toolEndPayload struct {
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (s *Streamer) finishToolLocked(ev bus.Event) {
	var p toolEndPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Warn("undecodable tool_end payload", "session", s.sessionID, "error", err)
		}
	}

	idx, ok := s.inflightTools[ev.ToolCallID]
	if ok {
		delete(s.inflightTools, ev.ToolCallID)
	} else {
		// Unknown id: fall back to the most recent unterminated tool call.
		idx = -1
		for i := len(s.messages) - 1; i >= 0; i-- {
			if s.messages[i].Kind == KindToolCall && s.messages[i].Streaming {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		delete(s.inflightTools, s.messages[idx].ToolCallID)
	}

	m := &s.messages[idx]
	m.Streaming = false
	m.ToolResult = p.Result
	m.ToolError = p.Error
	m.DurationMs = p.DurationMs
}

func (s *Streamer) appendLocked(m Message) int {
	s.nextID++
	m.ID = fmt.Sprintf("%s-m%d", s.sessionID, s.nextID)
	s.messages = append(s.messages, m)
	return len(s.messages) - 1
}

func (s *Streamer) setStateLocked(state string) {
	if s.hooks.OnState != nil {
		go s.hooks.OnState(state)
	}
}

// notifyLocked pushes the transcript to the observer synchronously and
// releases the lock.
func (s *Streamer) notifyLocked() {
	s.dirty = false
	var snapshot []Message
	if s.hooks.OnUpdate != nil {
		snapshot = make([]Message, len(s.messages))
		copy(snapshot, s.messages)
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.hooks.OnUpdate(snapshot)
	}
}

// scheduleFlushLocked arranges a single deferred notification for token
// deltas. Caller still holds the lock; it is released by the caller.
func (s *Streamer) scheduleFlushLocked() {
	if s.flushPending || s.closed || s.hooks.OnUpdate == nil {
		return
	}
	s.flushPending = true
	time.AfterFunc(s.flushInterval, func() {
		s.mu.Lock()
		s.flushPending = false
		if !s.dirty || s.closed {
			s.mu.Unlock()
			return
		}
		s.notifyLocked()
	})
}
