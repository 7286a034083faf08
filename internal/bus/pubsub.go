package bus

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WakePayload is the message carried on agent:{id}:wake topics.
type WakePayload struct {
	From        string `json:"from"`
	Priority    string `json:"priority,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
}

// CredentialsChangedPayload is carried on channel:credentials-changed.
type CredentialsChangedPayload struct {
	AgentID string `json:"agentId"`
	Channel string `json:"channel"`
	Removed bool   `json:"removed,omitempty"`
}

// PublishJSON publishes a JSON-encoded payload on a plain pub/sub topic.
func (b *Bus) PublishJSON(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, topic, body).Err()
}

// SubscribePattern subscribes to a glob pattern and invokes handler with
// each message's topic and raw payload until ctx is cancelled. Handler
// panics or errors never tear down the subscription.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, handler func(topic string, payload []byte)) {
	ps := b.rdb.PSubscribe(ctx, pattern)
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("pubsub handler panic", "pattern", pattern, "recovered", r)
						}
					}()
					handler(msg.Channel, []byte(msg.Payload))
				}()
			}
		}
	}()
}

// SubscribeTopic subscribes to a single topic. Same semantics as
// SubscribePattern.
func (b *Bus) SubscribeTopic(ctx context.Context, topic string, handler func(payload []byte)) {
	b.SubscribePattern(ctx, topic, func(_ string, payload []byte) { handler(payload) })
}
