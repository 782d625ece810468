// Package design executes a composite, multi-block design as a DAG:
// it topologically orders blocks, carries data between them (both
// block-level and agent-level), and emits progress events as each
// block's pattern executor runs.
package design

import (
	"context"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/agent/runner"
	"github.com/loomctl/loom/internal/agent/runner/eventstream"
	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/internal/orchestrator/patterns"
	"github.com/loomctl/loom/pkg/types"
)

// WorkspaceProvisioner provisions whatever workspace(s) one block's
// agents run in, returning a patterns.WorkspaceFunc the pattern
// executor uses to resolve each agent's workspace, the workspace
// parent directory (for the workspace_info event, when applicable),
// a per-agent absolute path map, and a cleanup func the executor
// always calls before moving to the next block — regardless of
// whether the block succeeded, to satisfy the contract that an
// isolated-parent directory never outlives its execution.
type WorkspaceProvisioner func(ctx context.Context, block types.Block, executionID string) (workspaceFor patterns.WorkspaceFunc, parentDir string, agentPaths map[string]string, cleanup func() error, err error)

// Executor runs a Design to completion, one block at a time in
// topological order. Block-to-block parallelism is optional
// (ParallelLevels) and off by default, matching the core contract
// that DAG execution is sequential across blocks.
type Executor struct {
	Runner             *runner.Runner
	RunnerConfig       config.RunnerConfig
	ProvisionWorkspace WorkspaceProvisioner
	Emit               EmitFunc

	// ParallelLevels executes blocks within the same dependency level
	// concurrently instead of strictly one at a time. Off by default:
	// spec.md treats level-parallelism as an allowed optimization, not
	// a contract.
	ParallelLevels bool
}

// Run executes design against initialTask, returning the final
// output (the output of the last block visited) or the first block
// failure.
func (e *Executor) Run(ctx context.Context, d types.Design, initialTask, executionID, userID string, requiredCredentialKeys []string) (string, error) {
	emit := e.Emit
	if emit == nil {
		emit = noopEmit
	}

	if err := validateDesign(d); err != nil {
		return "", err
	}

	order, err := topologicalOrder(d)
	if err != nil {
		emit(Event{Kind: EventExecutionFailed, ExecutionID: executionID, Err: err, Timestamp: eventNow()})
		return "", err
	}

	blocksByID := make(map[string]types.Block, len(d.Blocks))
	for _, b := range d.Blocks {
		blocksByID[b.ID] = b
	}

	blockOutputs := make(map[string]string, len(d.Blocks))
	agentOutputs := make(map[agentKey]string)

	if len(order) > 0 {
		blocksByID[order[0]] = withInitialTask(blocksByID[order[0]], initialTask)
	}

	var lastOutput string

	runBlock := func(blockID string) error {
		block := blocksByID[blockID]
		emit(Event{Kind: EventBlockStarted, ExecutionID: executionID, BlockID: block.ID, Timestamp: eventNow()})

		input := composeBlockInput(block, d, blockOutputs)
		overrides := agentOverrides(block, d, agentOutputs)

		workspaceFor, parentDir, agentPaths, cleanup, err := e.ProvisionWorkspace(ctx, block, executionID)
		if err != nil {
			wrapped := loomerr.Wrap(loomerr.KindWorkspaceProvision, fmt.Sprintf("failed to provision workspace for block %s", block.ID), err)
			emit(Event{Kind: EventExecutionFailed, ExecutionID: executionID, BlockID: block.ID, Err: wrapped, Timestamp: eventNow()})
			return wrapped
		}
		if cleanup != nil {
			defer cleanup()
		}

		if block.IsolateAgentWorkspaces {
			emit(Event{
				Kind: EventWorkspaceInfo, ExecutionID: executionID, BlockID: block.ID,
				ParentDir: parentDir, AgentPaths: agentPaths, Timestamp: eventNow(),
			})
		}

		invoke := e.buildInvoker(executionID, userID, requiredCredentialKeys, block, overrides, agentOutputs, emit)

		result, err := patterns.Execute(ctx, block, input, invoke, workspaceFor)
		if err != nil {
			emit(Event{Kind: EventExecutionFailed, ExecutionID: executionID, BlockID: block.ID, Err: err, Timestamp: eventNow()})
			return err
		}

		blockOutputs[block.ID] = result.Output
		for _, t := range result.Turns {
			agentOutputs[agentKey{blockID: block.ID, agentName: t.AgentName}] = t.Result.Text
		}
		lastOutput = result.Output

		emit(Event{Kind: EventBlockCompleted, ExecutionID: executionID, BlockID: block.ID, Text: result.Output, Timestamp: eventNow()})
		return nil
	}

	if e.ParallelLevels {
		for _, level := range parallelLevels(d, order) {
			if err := e.runLevel(ctx, level, runBlock); err != nil {
				return "", err
			}
		}
	} else {
		for _, blockID := range order {
			if err := runBlock(blockID); err != nil {
				return "", err
			}
		}
	}

	emit(Event{Kind: EventExecutionComplete, ExecutionID: executionID, Text: lastOutput, Timestamp: eventNow()})
	return lastOutput, nil
}

// runLevel runs every block in one dependency level concurrently,
// returning the first error encountered (other blocks in the level
// still finish since they're independent of it, but the overall run
// fails).
func (e *Executor) runLevel(ctx context.Context, level []string, runBlock func(string) error) error {
	errs := make(chan error, len(level))
	for _, blockID := range level {
		blockID := blockID
		go func() { errs <- runBlock(blockID) }()
	}
	var first error
	for range level {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// buildInvoker wraps Runner.RunTurn into a patterns.Invoker: it
// applies the block's agent-level overrides (once per named agent),
// emits agent_started/agent_chunk/agent_tool_call/agent_tool_result/
// agent_completed, and builds the CLI invocation from RunnerConfig.
func (e *Executor) buildInvoker(executionID, userID string, requiredCredentialKeys []string, block types.Block, overrides map[string]string, agentOutputs map[agentKey]string, emit EmitFunc) patterns.Invoker {
	usedOverride := make(map[string]bool, len(overrides))

	return func(ctx context.Context, agent types.Agent, input string, workspace *types.Workspace) (*runner.TurnResult, error) {
		actualInput := input
		if overrides != nil {
			if text, ok := overrides[agent.Name]; ok && !usedOverride[agent.Name] {
				actualInput = text
				usedOverride[agent.Name] = true
			}
		}

		emit(Event{Kind: EventAgentStarted, ExecutionID: executionID, BlockID: block.ID, AgentName: agent.Name, Timestamp: eventNow()})

		invocation := runner.Invocation{
			Command: append([]string{e.RunnerConfig.CLICommand}, e.RunnerConfig.CLIArgs...),
			UserID:  userID,
		}

		onEvent := func(ev eventstream.Event) {
			switch ev.Kind {
			case eventstream.KindText:
				emit(Event{Kind: EventAgentChunk, ExecutionID: executionID, BlockID: block.ID, AgentName: agent.Name, Text: ev.Text, Timestamp: eventNow()})
			case eventstream.KindToolCall:
				emit(Event{Kind: EventAgentToolCall, ExecutionID: executionID, BlockID: block.ID, AgentName: agent.Name, ToolName: ev.ToolName, ToolArgs: ev.ToolArgs, Timestamp: eventNow()})
			case eventstream.KindToolResult:
				emit(Event{Kind: EventAgentToolResult, ExecutionID: executionID, BlockID: block.ID, AgentName: agent.Name, ToolName: ev.ToolResultName, ToolPayload: ev.ToolResultPayload, Timestamp: eventNow()})
			}
		}

		result := e.Runner.RunTurn(ctx, agent, actualInput, workspace, invocation, executionID, requiredCredentialKeys, onEvent)

		emit(Event{Kind: EventAgentCompleted, ExecutionID: executionID, BlockID: block.ID, AgentName: agent.Name, Timestamp: eventNow()})

		if result.Err != nil {
			return nil, result.Err
		}
		return result, nil
	}
}

// validateDesign rejects what spec.md requires be caught before any
// execution starts: an unknown block type, or two agents in the same
// block sharing a name (provisioning assumes uniqueness).
func validateDesign(d types.Design) error {
	knownTypes := map[types.BlockType]bool{
		types.BlockSequential:   true,
		types.BlockParallel:     true,
		types.BlockHierarchical: true,
		types.BlockDebate:       true,
		types.BlockRouting:      true,
		types.BlockReflection:   true,
	}

	for _, b := range d.Blocks {
		if !knownTypes[b.Type] {
			return loomerr.New(loomerr.KindValidation, fmt.Sprintf("block %s has unknown type %q", b.ID, b.Type))
		}
		seen := make(map[string]bool, len(b.Agents))
		for _, a := range b.Agents {
			if seen[a.Name] {
				return loomerr.New(loomerr.KindValidation, fmt.Sprintf("block %s has duplicate agent name %q", b.ID, a.Name))
			}
			seen[a.Name] = true
		}
	}
	return nil
}

// withInitialTask seeds the first visited block's task with the
// execution's initial input when the block doesn't already carry one,
// so design execution mirrors a single pattern invocation's contract.
func withInitialTask(block types.Block, initialTask string) types.Block {
	if block.Task == "" {
		block.Task = initialTask
	}
	return block
}

// eventNow is a seam so tests can stub time; production calls through
// to the real wall clock.
var eventNow = func() time.Time { return time.Now() }
