package runner

import (
	"fmt"

	"github.com/loomctl/loom/pkg/types"
)

// workspaceInstructionVariant is the workspace-binding instruction
// form prepended to a turn's system prompt when tools are enabled.
// The two variants are mutually exclusive: a past bug emitted both
// forms for the same turn, confusing the assistant about which
// workspace_path value (if any) to pass on editor tool calls.
type workspaceInstructionVariant int

const (
	workspaceInstructionNone workspaceInstructionVariant = iota
	workspaceInstructionShared
	workspaceInstructionIsolated
)

// BuildSystemPrompt is a pure function: given an agent, whether tools
// are enabled, and an optional workspace, it returns the system prompt
// this turn should use. It never mutates agent and never has side
// effects, so callers can unit test it without a workspace or
// subprocess in play.
func BuildSystemPrompt(agent types.Agent, toolsEnabled bool, workflowID string, workspace *types.Workspace) string {
	if !toolsEnabled || workspace == nil {
		return agent.SystemPrompt
	}

	variant := workspaceInstructionShared
	if workspace.Kind == types.WorkspaceIsolated {
		variant = workspaceInstructionIsolated
	}

	instruction := workspaceInstruction(variant, workflowID, workspace.Path)
	if instruction == "" {
		return agent.SystemPrompt
	}
	return instruction + "\n\n" + agent.SystemPrompt
}

// workspaceInstruction renders exactly one of the two mutually
// exclusive forms. Isolated turns must pass workspace_path on every
// editor tool call; shared turns must not, since workspace_path would
// be ambiguous across agents sharing one directory.
func workspaceInstruction(variant workspaceInstructionVariant, workflowID, workspacePath string) string {
	switch variant {
	case workspaceInstructionIsolated:
		return fmt.Sprintf(
			"When calling any editor tool, you must pass workflow_id=%q and workspace_path=%q on every call.",
			workflowID, workspacePath,
		)
	case workspaceInstructionShared:
		return fmt.Sprintf(
			"When calling any editor tool, you must pass workflow_id=%q on every call. Do not pass workspace_path.",
			workflowID,
		)
	default:
		return ""
	}
}
