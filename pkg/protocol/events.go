package protocol

// Session event types published on the per-session durable stream.
// These are the wire names; every entry additionally carries a monotonic
// event id assigned by the bus on publish, usable as a replay cursor.
const (
	EventOutputDelta       = "output_delta"
	EventThinkingDelta     = "thinking_delta"
	EventToolStart         = "tool_start"
	EventToolEnd           = "tool_end"
	EventStepEnd           = "step_end"
	EventTurnEnd           = "turn_end"
	EventSessionComplete   = "session_complete"
	EventResponseAborted   = "response_aborted"
	EventSessionStatus     = "session_status"
	EventSessionError      = "session_error"
	EventContainerReady    = "container_ready"
	EventUserMessageUpdate = "user_message_update"
	EventTTSAudio          = "tts_audio"
)

// Pipeline event types. The core does not run pipelines; it observes them
// on the bus and fans them out to dashboard subscribers.
const (
	EventPipelineQueued        = "PIPELINE_QUEUED"
	EventPipelineStarted       = "PIPELINE_STARTED"
	EventPipelineOutput        = "PIPELINE_OUTPUT"
	EventPipelineToolCallStart = "PIPELINE_TOOL_CALL_START"
	EventPipelineToolCallEnd   = "PIPELINE_TOOL_CALL_END"
	EventPipelineStepComplete  = "PIPELINE_STEP_COMPLETE"
	EventPipelineStepFailed    = "PIPELINE_STEP_FAILED"
	EventPipelineRunComplete   = "PIPELINE_RUN_COMPLETE"
	EventPipelineRunFailed     = "PIPELINE_RUN_FAILED"
	EventPipelineFileChanged   = "PIPELINE_FILE_CHANGED"
	EventPipelineCommitFailed  = "PIPELINE_COMMIT_FAILED"
)

// Session status payload markers (payload "status" field on EventSessionStatus).
const (
	StatusReplayTruncated = "replay_truncated"
)
