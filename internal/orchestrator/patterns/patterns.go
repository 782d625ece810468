// Package patterns executes one design block's agents according to
// its pattern: sequential, parallel, hierarchical, debate, dynamic
// routing, or reflection. Each pattern is a pure function of a block,
// a task string, and an Invoker the caller supplies to actually run an
// agent turn — this package has no knowledge of workspaces,
// credentials, or the assistant CLI itself.
package patterns

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/loomctl/loom/internal/agent/runner"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// Invoker runs one agent turn and returns its result. The design
// executor supplies an implementation that resolves the agent's
// workspace, required credentials, and CLI invocation.
type Invoker func(ctx context.Context, agent types.Agent, input string, workspace *types.Workspace) (*runner.TurnResult, error)

// WorkspaceFunc resolves the workspace a named agent should run in.
// For a shared-workspace block every name resolves to the same
// workspace; for an isolated block each agent gets its own.
type WorkspaceFunc func(agentName string) *types.Workspace

// TurnRecord pairs an agent's name with its turn result, in the order
// turns actually happened.
type TurnRecord struct {
	AgentName string
	Result    *runner.TurnResult
}

// BlockResult is a block's aggregated output plus every turn taken to
// produce it, since spec.md requires reporting all turns, not just
// the ones that contribute to the final text.
type BlockResult struct {
	Output string
	Turns  []TurnRecord
}

// Execute dispatches block to the pattern executor its Type selects.
func Execute(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	switch block.Type {
	case types.BlockSequential:
		return runSequential(ctx, block, task, invoke, workspaceFor)
	case types.BlockParallel:
		return runParallel(ctx, block, task, invoke, workspaceFor)
	case types.BlockHierarchical:
		return runHierarchical(ctx, block, task, invoke, workspaceFor)
	case types.BlockDebate:
		return runDebate(ctx, block, task, invoke, workspaceFor)
	case types.BlockRouting:
		return runRouting(ctx, block, task, invoke, workspaceFor)
	case types.BlockReflection:
		return runReflection(ctx, block, task, invoke, workspaceFor)
	default:
		return nil, loomerr.New(loomerr.KindValidation, fmt.Sprintf("unknown block type %q", block.Type))
	}
}

func runSequential(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	if len(block.Agents) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "sequential block requires at least one agent")
	}

	turns := make([]TurnRecord, 0, len(block.Agents))
	input := task
	for _, agent := range block.Agents {
		result, err := invoke(ctx, agent, input, workspaceFor(agent.Name))
		if err != nil {
			return nil, err
		}
		turns = append(turns, TurnRecord{AgentName: agent.Name, Result: result})
		input = result.Text
	}

	return &BlockResult{Output: turns[len(turns)-1].Result.Text, Turns: turns}, nil
}

func runParallel(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	if len(block.Agents) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "parallel block requires at least one agent")
	}

	workers, aggregator := splitNamed(block.Agents, block.Aggregator)
	if len(workers) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "parallel block requires at least one worker agent")
	}

	turns, err := fanOut(ctx, workers, task, invoke, workspaceFor)
	if err != nil {
		return nil, err
	}

	labeled := labelConcat(turns)
	if aggregator == nil {
		return &BlockResult{Output: labeled, Turns: turns}, nil
	}

	aggInput := task + "\n\n" + labeled
	aggResult, err := invoke(ctx, *aggregator, aggInput, workspaceFor(aggregator.Name))
	if err != nil {
		return nil, err
	}
	turns = append(turns, TurnRecord{AgentName: aggregator.Name, Result: aggResult})

	return &BlockResult{Output: aggResult.Text, Turns: turns}, nil
}

func runHierarchical(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	manager, workers := splitNamed(block.Agents, block.Manager)
	if manager == nil {
		return nil, loomerr.New(loomerr.KindValidation, "hierarchical block requires a manager agent")
	}
	if len(workers) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "hierarchical block requires at least one worker agent")
	}

	rounds := block.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	var allTurns []TurnRecord
	synthesisInput := task
	var synthesis string

	for round := 0; round < rounds; round++ {
		delegation, err := invoke(ctx, *manager, synthesisInput, workspaceFor(manager.Name))
		if err != nil {
			return nil, err
		}
		allTurns = append(allTurns, TurnRecord{AgentName: manager.Name, Result: delegation})

		workerTurns, err := fanOut(ctx, workers, delegation.Text, invoke, workspaceFor)
		if err != nil {
			return nil, err
		}
		allTurns = append(allTurns, workerTurns...)

		synthInput := delegation.Text + "\n\n" + labelConcat(workerTurns)
		synthResult, err := invoke(ctx, *manager, synthInput, workspaceFor(manager.Name))
		if err != nil {
			return nil, err
		}
		allTurns = append(allTurns, TurnRecord{AgentName: manager.Name, Result: synthResult})

		synthesis = synthResult.Text
		synthesisInput = synthesis
	}

	return &BlockResult{Output: synthesis, Turns: allTurns}, nil
}

func runDebate(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	moderator, debaters := splitNamed(block.Agents, block.Moderator)
	if len(debaters) < 2 {
		return nil, loomerr.New(loomerr.KindValidation, "debate block requires at least two debater agents")
	}
	if block.Rounds <= 0 {
		return nil, loomerr.New(loomerr.KindValidation, "debate block requires rounds > 0")
	}

	var turns []TurnRecord
	var utterances []string

	for round := 1; round <= block.Rounds; round++ {
		for _, debater := range debaters {
			input := task
			if len(utterances) > 0 {
				input = task + "\n\n" + strings.Join(utterances, "\n\n")
			}

			result, err := invoke(ctx, debater, input, workspaceFor(debater.Name))
			if err != nil {
				return nil, err
			}
			turns = append(turns, TurnRecord{AgentName: debater.Name, Result: result})
			utterances = append(utterances, fmt.Sprintf("--- %s (round %d) ---\n%s", debater.Name, round, result.Text))
		}
	}

	transcript := strings.Join(utterances, "\n\n")
	if moderator == nil {
		return &BlockResult{Output: transcript, Turns: turns}, nil
	}

	modResult, err := invoke(ctx, *moderator, task+"\n\n"+transcript, workspaceFor(moderator.Name))
	if err != nil {
		return nil, err
	}
	turns = append(turns, TurnRecord{AgentName: moderator.Name, Result: modResult})

	return &BlockResult{Output: modResult.Text, Turns: turns}, nil
}

func runRouting(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	router, specialists := splitNamed(block.Agents, block.Router)
	if router == nil {
		return nil, loomerr.New(loomerr.KindValidation, "routing block requires a router agent")
	}
	if len(specialists) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "routing block requires at least one specialist agent")
	}

	names := make([]string, len(specialists))
	for i, s := range specialists {
		names[i] = s.Name
	}
	prompt := fmt.Sprintf("%s\n\nAvailable specialists: %s", task, strings.Join(names, ", "))

	decision, turns, err := routeDecision(ctx, *router, prompt, invoke, workspaceFor)
	if err != nil {
		return nil, err
	}

	selected := selectSpecialists(specialists, decision.SelectedAgents)
	if len(selected) == 0 {
		return nil, loomerr.New(loomerr.KindValidation, "router selected zero known specialists")
	}

	workerTurns, err := fanOut(ctx, selected, task, invoke, workspaceFor)
	if err != nil {
		return nil, err
	}
	turns = append(turns, workerTurns...)

	output := fmt.Sprintf("Routing decision: %s\n\n%s", decision.Reasoning, labelConcat(workerTurns))
	return &BlockResult{Output: output, Turns: turns}, nil
}

func runReflection(ctx context.Context, block types.Block, task string, invoke Invoker, workspaceFor WorkspaceFunc) (*BlockResult, error) {
	reflector, _ := splitNamed(block.Agents, block.Reflector)
	if reflector == nil {
		return nil, loomerr.New(loomerr.KindValidation, "reflection block requires a reflector agent")
	}

	result, err := invoke(ctx, *reflector, task, workspaceFor(reflector.Name))
	if err != nil {
		return nil, err
	}

	return &BlockResult{
		Output: result.Text,
		Turns:  []TurnRecord{{AgentName: reflector.Name, Result: result}},
	}, nil
}

// fanOut runs agents concurrently against the same input, bounded by
// an errgroup so the first failing turn cancels the rest. Results
// preserve the order of agents, not completion order.
func fanOut(ctx context.Context, agents []types.Agent, input string, invoke Invoker, workspaceFor WorkspaceFunc) ([]TurnRecord, error) {
	turns := make([]TurnRecord, len(agents))
	g, gctx := errgroup.WithContext(ctx)

	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			result, err := invoke(gctx, agent, input, workspaceFor(agent.Name))
			if err != nil {
				return err
			}
			turns[i] = TurnRecord{AgentName: agent.Name, Result: result}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return turns, nil
}

// splitNamed pulls the agent named target out of agents (by exact
// name match) and returns it alongside the remainder, in original
// order. Returns (nil, agents) if target is empty or not found.
func splitNamed(agents []types.Agent, target string) (*types.Agent, []types.Agent) {
	if target == "" {
		return nil, agents
	}
	var named *types.Agent
	rest := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Name == target && named == nil {
			cp := a
			named = &cp
			continue
		}
		rest = append(rest, a)
	}
	return named, rest
}

func labelConcat(turns []TurnRecord) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = fmt.Sprintf("--- %s ---\n%s", t.AgentName, t.Result.Text)
	}
	return strings.Join(parts, "\n\n")
}

func selectSpecialists(specialists []types.Agent, names []string) []types.Agent {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []types.Agent
	for _, s := range specialists {
		if wanted[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
