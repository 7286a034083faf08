package protocol

import "fmt"

// Pub/sub topic names and patterns shared between the core and external
// collaborators (session runners, dashboard, admin tooling).

// WakePattern matches per-agent wake topics: agent:{agentId}:wake.
const WakePattern = "agent:*:wake"

// CredentialsChangedTopic carries {agentId, channel, removed?} payloads
// when channel credentials are created, rotated, or removed.
const CredentialsChangedTopic = "channel:credentials-changed"

// WakeTopic returns the wake topic for a single agent.
func WakeTopic(agentID string) string {
	return fmt.Sprintf("agent:%s:wake", agentID)
}

// RPCRequestTopic returns the RPC request topic for a channel.
func RPCRequestTopic(channel string) string {
	return fmt.Sprintf("%s:rpc:request", channel)
}

// RPCReplyTopic returns the one-shot reply topic for a request id.
func RPCReplyTopic(channel, requestID string) string {
	return fmt.Sprintf("%s:rpc:reply:%s", channel, requestID)
}

// RunnerChannel names the per-agent RPC surface served by the external
// session runner process.
func RunnerChannel(agentID string) string {
	return "runner:" + agentID
}

// SessionStreamKey returns the durable stream key for a session id.
func SessionStreamKey(sessionID string) string {
	return "session:events:" + sessionID
}
