package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetworks/fleetd/pkg/protocol"
)

// RPCRequest is published on {channel}:rpc:request.
type RPCRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is published on {channel}:rpc:reply:{id}.
type RPCResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCHandler answers one method call. Returning an error produces an error
// reply; the subscription stays alive.
type RPCHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// ServeRPC answers RPC requests for a channel until ctx is cancelled.
// Replies are published on the request's one-shot reply topic.
func (b *Bus) ServeRPC(ctx context.Context, channel string, handler RPCHandler) {
	b.SubscribeTopic(ctx, protocol.RPCRequestTopic(channel), func(payload []byte) {
		var req RPCRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			slog.Warn("malformed rpc request", "channel", channel, "error", err)
			return
		}
		if req.ID == "" {
			slog.Warn("rpc request without id", "channel", channel, "method", req.Method)
			return
		}

		resp := RPCResponse{ID: req.ID}
		result, err := handler(ctx, req.Method, req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			body, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = fmt.Sprintf("encode result: %v", merr)
			} else {
				resp.Result = body
			}
		}
		if err := b.PublishJSON(ctx, protocol.RPCReplyTopic(channel, req.ID), resp); err != nil {
			slog.Warn("rpc reply publish failed", "channel", channel, "method", req.Method, "error", err)
		}
	})
}

// CallRPC performs one request/reply round-trip against a channel's RPC
// surface. The reply subscription is established before the request is
// published so the one-shot reply cannot be missed.
func (b *Bus) CallRPC(ctx context.Context, channel, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		body, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = body
	}

	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan RPCResponse, 1)
	b.SubscribeTopic(subCtx, protocol.RPCReplyTopic(channel, id), func(payload []byte) {
		var resp RPCResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return
		}
		select {
		case replies <- resp:
		default:
		}
	})

	req := RPCRequest{ID: id, Method: method, Params: raw}
	if err := b.PublishJSON(subCtx, protocol.RPCRequestTopic(channel), req); err != nil {
		return nil, fmt.Errorf("publish rpc request: %w", err)
	}

	select {
	case resp := <-replies:
		if resp.Error != "" {
			return nil, fmt.Errorf("rpc %s.%s: %s", channel, method, resp.Error)
		}
		return resp.Result, nil
	case <-subCtx.Done():
		return nil, fmt.Errorf("rpc %s.%s: %w", channel, method, subCtx.Err())
	}
}
