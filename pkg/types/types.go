// Package types holds the data model shared across loom's packages:
// agents, workspaces, designs, deployments, execution logs, and
// interactive instances.
package types

import "time"

// AgentRole is the contract role an agent plays within a block.
type AgentRole string

const (
	RoleManager    AgentRole = "manager"
	RoleWorker     AgentRole = "worker"
	RoleSpecialist AgentRole = "specialist"
	RoleModerator  AgentRole = "moderator"
	RoleReflector  AgentRole = "reflector"
)

// ToolUse controls whether an agent turn may use tools.
type ToolUse string

const (
	ToolUseAuto    ToolUse = "auto"
	ToolUseEnabled ToolUse = "true"
	ToolUseDisabled ToolUse = "false"
)

// Agent is the identity and contract for one CLI turn. It is a value
// object: created by the caller, never mutated by the engine.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Role         AgentRole `json:"role"`
	UseTools     ToolUse   `json:"use_tools"`
	Model        string    `json:"model,omitempty"`
}

// WorkspaceKind distinguishes a workspace shared by all agents in a
// block from one isolated to a single agent.
type WorkspaceKind string

const (
	WorkspaceShared   WorkspaceKind = "shared"
	WorkspaceIsolated WorkspaceKind = "isolated"
)

// Workspace is a filesystem location where an agent turn runs.
type Workspace struct {
	Path        string        `json:"path"`
	Kind        WorkspaceKind `json:"kind"`
	GitRepo     string        `json:"git_repo,omitempty"`
	Branch      string        `json:"branch,omitempty"`
	ExecutionID string        `json:"execution_id"`
	AgentName   string        `json:"agent_name,omitempty"`
}

// BlockType selects which pattern executor runs a block's agents.
type BlockType string

const (
	BlockSequential  BlockType = "sequential"
	BlockParallel    BlockType = "parallel"
	BlockHierarchical BlockType = "hierarchical"
	BlockDebate      BlockType = "debate"
	BlockRouting     BlockType = "routing"
	BlockReflection  BlockType = "reflection"
)

// Block is one node in a composite design.
type Block struct {
	ID                     string    `json:"id"`
	Type                   BlockType `json:"type"`
	Agents                 []Agent   `json:"agents"`
	Task                   string    `json:"task"`
	IsolateAgentWorkspaces bool      `json:"isolate_agent_workspaces"`
	GitRepo                string    `json:"git_repo,omitempty"`

	// Pattern-specific parameters.
	Rounds     int    `json:"rounds,omitempty"`      // debate, hierarchical
	Aggregator string `json:"aggregator,omitempty"`  // parallel: agent name
	Manager    string `json:"manager,omitempty"`     // hierarchical: agent name
	Router     string `json:"router,omitempty"`      // routing: agent name
	Moderator  string `json:"moderator,omitempty"`   // debate: agent name
	Reflector  string `json:"reflector,omitempty"`   // reflection: agent name
}

// Connection is a directed edge between blocks, optionally agent-scoped.
type Connection struct {
	SourceBlock  string `json:"source_block"`
	TargetBlock  string `json:"target_block"`
	SourceAgent  string `json:"source_agent,omitempty"`
	TargetAgent  string `json:"target_agent,omitempty"`
}

// IsAgentScoped reports whether this connection names both endpoints' agents.
func (c Connection) IsAgentScoped() bool {
	return c.SourceAgent != "" && c.TargetAgent != ""
}

// Design is a DAG of blocks with data edges, optionally agent-scoped.
type Design struct {
	ID          string       `json:"id"`
	Version     int          `json:"version"`
	Blocks      []Block      `json:"blocks"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ScheduleKind selects cron-expression or fixed-interval firing.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule describes when a deployment fires automatically.
type Schedule struct {
	Kind             ScheduleKind  `json:"kind"`
	CronExpr         string        `json:"cron_expr,omitempty"`
	IntervalUnit     string        `json:"interval_unit,omitempty"`  // "second", "minute", "hour"
	IntervalCount    int           `json:"interval_count,omitempty"`
	Timezone         string        `json:"timezone"` // IANA zone name, e.g. "America/New_York"
}

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "active"
	DeploymentInactive DeploymentStatus = "inactive"
)

// Deployment is an executable binding of a design to an endpoint.
type Deployment struct {
	ID              string           `json:"id"`
	DesignID        string           `json:"design_id"`
	EndpointPath    string           `json:"endpoint_path"`
	Status          DeploymentStatus `json:"status"`
	Schedule        *Schedule        `json:"schedule,omitempty"`
	ExecutionCount  int64            `json:"execution_count"`
	LastExecutionAt *time.Time       `json:"last_execution_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Trigger identifies what caused an execution to run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerAPI       Trigger = "api"
)

// ExecutionStatus is the terminal or in-flight state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionLog is one run of a deployment.
type ExecutionLog struct {
	ID          string          `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	ExecutionID string          `json:"execution_id"`
	Trigger     Trigger         `json:"trigger"`
	Status      ExecutionStatus `json:"status"`
	Input       string          `json:"input,omitempty"`
	Result      string          `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// InstanceStatus is the lifecycle state of a live CLI session.
type InstanceStatus string

const (
	InstanceStarting    InstanceStatus = "starting"
	InstanceReady       InstanceStatus = "ready"
	InstanceRunning     InstanceStatus = "running"
	InstanceInterrupted InstanceStatus = "interrupted"
	InstanceStopped     InstanceStatus = "stopped"
	InstanceFailed      InstanceStatus = "failed"
)

// InstanceMetrics aggregates token/cost/tool-use/wall-time counters for
// an instance. Tokens and CostUSD must always equal the sum of the
// corresponding InstanceLog deltas (the round-trip law).
type InstanceMetrics struct {
	Tokens      int64            `json:"tokens"`
	CostUSD     float64          `json:"cost_usd"`
	ToolCalls   map[string]int64 `json:"tool_calls"`
	WallTimeMS  int64            `json:"wall_time_ms"`
}

// Instance is a live CLI session attached to a shared workspace.
type Instance struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	UserID        string          `json:"user_id"`
	Status        InstanceStatus  `json:"status"`
	WorkspacePath string          `json:"workspace_path"`
	Metrics       InstanceMetrics `json:"metrics"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InstanceLogKind classifies one parsed CLI event.
type InstanceLogKind string

const (
	LogStdout     InstanceLogKind = "stdout"
	LogToolCall   InstanceLogKind = "tool_call"
	LogToolResult InstanceLogKind = "tool_result"
	LogCost       InstanceLogKind = "cost"
	LogError      InstanceLogKind = "error"
	LogSystem     InstanceLogKind = "system"
)

// InstanceLog is an append-only record of one observed instance event.
type InstanceLog struct {
	ID            int64           `json:"id"`
	InstanceID    string          `json:"instance_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Kind          InstanceLogKind `json:"kind"`
	Payload       string          `json:"payload"`
	ToolName      string          `json:"tool_name,omitempty"`
	TokensDelta   int64           `json:"tokens_delta"`
	CostDeltaUSD  float64         `json:"cost_delta_usd"`
}
