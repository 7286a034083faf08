package bridge

import (
	"context"
	"log/slog"
	"time"
)

// typingMaxDuration caps a typing keepalive regardless of how long the
// session takes. Providers drop the indicator on their own after a few
// seconds, so the keepalive re-sends at the channel's cadence until the
// reply is ready or the cap is hit.
const typingMaxDuration = 2 * time.Minute

// TypingController keeps a chat's typing indicator alive.
type TypingController struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTyping begins a keepalive for one chat. Stop it when the reply is
// sent; it stops itself at the cap.
func StartTyping(ctx context.Context, adapter Adapter, chatID string) *TypingController {
	interval := adapter.Limits().TypingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, typingMaxDuration)
	t := &TypingController{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := adapter.SendTyping(tctx, chatID); err != nil {
			slog.Debug("typing indicator failed", "channel", adapter.Name(), "chat", chatID, "error", err)
		}
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				if err := adapter.SendTyping(tctx, chatID); err != nil {
					slog.Debug("typing indicator failed", "channel", adapter.Name(), "chat", chatID, "error", err)
				}
			}
		}
	}()
	return t
}

// Stop ends the keepalive and waits for the sender goroutine to exit.
func (t *TypingController) Stop() {
	t.cancel()
	<-t.done
}
