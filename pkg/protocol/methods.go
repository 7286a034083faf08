package protocol

// RPC method name constants for the per-channel admin surface.
// Requests arrive on {channel}:rpc:request; replies go to
// {channel}:rpc:reply:{id}.
const (
	MethodSend    = "send"
	MethodStatus  = "status"
	MethodRestart = "restart"
)

// Link management methods, only answered by channels with account linking
// (WhatsApp, Signal). Other channels reply with an "unsupported" error.
const (
	MethodLink        = "link"
	MethodLinkStatus  = "link_status"
	MethodPairingCode = "pairing_code"
	MethodUnlink      = "unlink"
)

// Methods on the per-agent runner surface (topics from RunnerChannel).
// run_pulse blocks for the session outcome; run_message acks immediately
// and streams the reply on the session's event stream.
const (
	MethodRunPulse     = "run_pulse"
	MethodRunMessage   = "run_message"
	MethodStopSession  = "stop_session"
	MethodUpdateModel  = "update_model"
	MethodContextUsage = "context_usage"
	MethodCompact      = "compact"
)
