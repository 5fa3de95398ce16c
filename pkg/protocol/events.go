package protocol

// Wire-level event names: the literal value of EventFrame.Event, broadcast
// to every connected client. These are the names clients actually match on.
const (
	EventChatStart      = "chat.start"
	EventChatToolCall   = "chat.tool_call"
	EventChatToolResult = "chat.tool_result"
	EventChatChunk      = "chat.chunk"
	EventChatComplete   = "chat.complete"
	EventChatError      = "chat.error"
	EventChatAborted    = "chat.aborted"

	EventCronRunStart    = "cron.run.start"
	EventCronRunComplete = "cron.run.complete"

	EventHeartbeatResult = "heartbeat.result"

	EventSessionUpdate  = "session.update"
	EventSessionCompact = "session.compact"

	EventHealth           = "health"
	EventExecApprovalReq  = "exec.approval.requested"
	EventExecApprovalRes  = "exec.approval.resolved"
	EventPresence         = "presence"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
	EventConnectChallenge = "connect.challenge"

	// Cache invalidation events (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type) — the agent loop's internal
// vocabulary, translated to a wire event name by ChatWireEvent below.
const (
	AgentEventRunStarted    = "run.started"
	AgentEventRunCompleted  = "run.completed"
	AgentEventRunFailed     = "run.failed"
	AgentEventRunAborted    = "run.aborted"
	AgentEventRunRetrying   = "run.retrying"
	AgentEventToolCall      = "tool.call"
	AgentEventToolResult    = "tool.result"
	AgentEventSessionUpdate = "session.updated"
	AgentEventSessionCompact = "session.compacted"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)

// ChatWireEvent maps an agent loop's internal AgentEvent.Type to the literal
// wire event name clients subscribe to. run.retrying has no dedicated wire
// name (it's a mid-flight detail, not one of the named lifecycle events);
// it rides on chat.chunk so clients watching for progress still see it.
func ChatWireEvent(agentEventType string) string {
	switch agentEventType {
	case AgentEventRunStarted:
		return EventChatStart
	case AgentEventToolCall:
		return EventChatToolCall
	case AgentEventToolResult:
		return EventChatToolResult
	case AgentEventRunCompleted:
		return EventChatComplete
	case AgentEventRunFailed:
		return EventChatError
	case AgentEventRunAborted:
		return EventChatAborted
	case AgentEventSessionUpdate:
		return EventSessionUpdate
	case AgentEventSessionCompact:
		return EventSessionCompact
	default:
		return EventChatChunk
	}
}
