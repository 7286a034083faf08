package bridge

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeAdapter struct {
	mu      sync.Mutex
	typing  int
	sent    []string
	limits  Limits
	started bool
}

func (f *fakeAdapter) Name() string                    { return "fake" }
func (f *fakeAdapter) Start(context.Context) error     { f.started = true; return nil }
func (f *fakeAdapter) Stop(context.Context) error      { f.started = false; return nil }
func (f *fakeAdapter) Format(markdown string) string   { return markdown }
func (f *fakeAdapter) Limits() Limits                  { return f.limits }
func (f *fakeAdapter) MarkRead(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

func TestTyping_SendsImmediatelyThenKeepsAlive(t *testing.T) {
	adapter := &fakeAdapter{limits: Limits{TypingInterval: 10 * time.Millisecond}}

	ctrl := StartTyping(context.Background(), adapter, "chat1")
	time.Sleep(55 * time.Millisecond)
	ctrl.Stop()

	got := adapter.typingCount()
	if got < 3 {
		t.Errorf("expected immediate send plus keepalives, got %d", got)
	}

	// Stopped: no further sends.
	time.Sleep(30 * time.Millisecond)
	if after := adapter.typingCount(); after != got {
		t.Errorf("typing continued after Stop: %d -> %d", got, after)
	}
}

func TestTyping_StopIsIdempotentAndWaits(t *testing.T) {
	adapter := &fakeAdapter{limits: Limits{TypingInterval: 5 * time.Millisecond}}
	ctrl := StartTyping(context.Background(), adapter, "chat1")
	ctrl.Stop()
	ctrl.Stop()
}
