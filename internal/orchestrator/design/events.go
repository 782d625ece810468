package design

import "time"

// EventKind is one of the progress events the Design DAG Executor
// emits while running. A caller wires these to the streaming layer;
// this package has no notion of subscribers.
type EventKind string

const (
	EventBlockStarted      EventKind = "block_started"
	EventAgentStarted      EventKind = "agent_started"
	EventAgentChunk        EventKind = "agent_chunk"
	EventAgentToolCall     EventKind = "agent_tool_call"
	EventAgentToolResult   EventKind = "agent_tool_result"
	EventAgentCompleted    EventKind = "agent_completed"
	EventBlockCompleted    EventKind = "block_completed"
	EventWorkspaceInfo     EventKind = "workspace_info"
	EventExecutionComplete EventKind = "execution_completed"
	EventExecutionFailed   EventKind = "execution_failed"
)

// Event is one progress notification from a design execution.
type Event struct {
	Kind        EventKind
	ExecutionID string
	BlockID     string
	AgentName   string
	Text        string // agent_chunk text, or the final output on execution_completed
	ToolName    string
	ToolArgs    string
	ToolPayload string

	// workspace_info
	ParentDir  string
	AgentPaths map[string]string

	// execution_failed
	Err error

	Timestamp time.Time
}

// EmitFunc receives every Event a running execution produces, in
// emission order. It must not block for long: the executor calls it
// synchronously from the goroutine driving the block.
type EmitFunc func(Event)

func noopEmit(Event) {}
