package bus

// Session event topics.
const (
	TopicSessionStarted    = "session.started"
	TopicSessionReady      = "session.ready"
	TopicSessionToolResult = "session.tool_result"
	TopicSessionEnded      = "session.ended"
)

// SessionStartedEvent is published when a client socket is accepted.
type SessionStartedEvent struct {
	SessionID  string
	ScenarioID string
}

// SessionReadyEvent is published once the upstream handshake finishes
// (or fails, leaving the session degraded).
type SessionReadyEvent struct {
	SessionID string
	Degraded  bool
}

// SessionToolResultEvent is published after each tool execution.
type SessionToolResultEvent struct {
	SessionID string
	Tool      string
	OK        bool
}

// SessionEndedEvent is published when a session reaches Closed.
type SessionEndedEvent struct {
	SessionID string
	Reason    string
}
