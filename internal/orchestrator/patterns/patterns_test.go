package patterns

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/loomctl/loom/internal/agent/runner"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

func noWorkspace(string) *types.Workspace { return nil }

func echoInvoker(transform func(agentName, input string) string) Invoker {
	return func(_ context.Context, agent types.Agent, input string, _ *types.Workspace) (*runner.TurnResult, error) {
		return &runner.TurnResult{Text: transform(agent.Name, input)}, nil
	}
}

func TestSequentialChainsInputs(t *testing.T) {
	block := types.Block{
		Type: types.BlockSequential,
		Agents: []types.Agent{
			{Name: "a"},
			{Name: "b"},
		},
	}
	invoke := echoInvoker(func(name, input string) string { return input + "->" + name })

	result, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "task->a->b" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if len(result.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(result.Turns))
	}
}

func TestSequentialRejectsZeroAgents(t *testing.T) {
	block := types.Block{Type: types.BlockSequential}
	_, err := Execute(context.Background(), block, "task", echoInvoker(func(n, i string) string { return i }), noWorkspace)
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParallelWithoutAggregatorConcatenates(t *testing.T) {
	block := types.Block{
		Type: types.BlockParallel,
		Agents: []types.Agent{
			{Name: "w1"},
			{Name: "w2"},
		},
	}
	invoke := echoInvoker(func(name, input string) string { return name + "-result" })

	result, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "--- w1 ---\nw1-result") || !strings.Contains(result.Output, "--- w2 ---\nw2-result") {
		t.Fatalf("unexpected labeled output: %q", result.Output)
	}
}

func TestParallelWithAggregator(t *testing.T) {
	block := types.Block{
		Type:       types.BlockParallel,
		Aggregator: "agg",
		Agents: []types.Agent{
			{Name: "w1"},
			{Name: "w2"},
			{Name: "agg"},
		},
	}
	invoke := echoInvoker(func(name, input string) string {
		if name == "agg" {
			return "synthesized: " + input
		}
		return name + "-result"
	})

	result, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(result.Output, "synthesized: ") {
		t.Fatalf("expected aggregator output to win, got %q", result.Output)
	}
	if len(result.Turns) != 3 {
		t.Fatalf("expected 3 turns (2 workers + aggregator), got %d", len(result.Turns))
	}
}

func TestDebateRejectsZeroRounds(t *testing.T) {
	block := types.Block{
		Type:   types.BlockDebate,
		Rounds: 0,
		Agents: []types.Agent{{Name: "d1"}, {Name: "d2"}},
	}
	_, err := Execute(context.Background(), block, "topic", echoInvoker(func(n, i string) string { return i }), noWorkspace)
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDebateSingleRoundNoModerator(t *testing.T) {
	block := types.Block{
		Type:   types.BlockDebate,
		Rounds: 1,
		Agents: []types.Agent{{Name: "d1"}, {Name: "d2"}},
	}
	invoke := echoInvoker(func(name, input string) string { return name + " says something" })

	result, err := Execute(context.Background(), block, "topic", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "d1 says something") || !strings.Contains(result.Output, "d2 says something") {
		t.Fatalf("expected transcript of both debaters, got %q", result.Output)
	}
}

func TestRoutingSelectsSpecialists(t *testing.T) {
	block := types.Block{
		Type:   types.BlockRouting,
		Router: "router",
		Agents: []types.Agent{
			{Name: "router"},
			{Name: "billing"},
			{Name: "support"},
		},
	}
	invoke := echoInvoker(func(name, input string) string {
		if name == "router" {
			return `{"selected_agents":["billing"],"reasoning":"billing question"}`
		}
		return name + "-handled"
	})

	result, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "billing question") || !strings.Contains(result.Output, "billing-handled") {
		t.Fatalf("unexpected routing output: %q", result.Output)
	}
	if strings.Contains(result.Output, "support-handled") {
		t.Fatalf("unselected specialist should not have run: %q", result.Output)
	}
}

func TestRoutingUndecidedAfterTwoMalformedResponses(t *testing.T) {
	block := types.Block{
		Type:   types.BlockRouting,
		Router: "router",
		Agents: []types.Agent{{Name: "router"}, {Name: "billing"}},
	}
	invoke := echoInvoker(func(name, input string) string { return "not json" })

	_, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if !loomerr.Is(err, loomerr.KindRoutingUndecided) {
		t.Fatalf("expected RoutingUndecided, got %v", err)
	}
}

func TestReflectionReturnsRawSuggestions(t *testing.T) {
	block := types.Block{
		Type:      types.BlockReflection,
		Reflector: "critic",
		Agents:    []types.Agent{{Name: "critic"}},
	}
	suggestions := `{"suggestions":[{"block_id":"b1","agent_id":"a1","agent_name":"worker","current_prompt":"x","suggested_prompt":"y","reasoning":"clearer"}]}`
	invoke := echoInvoker(func(name, input string) string { return suggestions })

	result, err := Execute(context.Background(), block, "design summary", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != suggestions {
		t.Fatalf("expected reflection output to pass through unmodified, got %q", result.Output)
	}
}

func TestHierarchicalSynthesizesAfterWorkers(t *testing.T) {
	block := types.Block{
		Type:    types.BlockHierarchical,
		Manager: "mgr",
		Agents: []types.Agent{
			{Name: "mgr"},
			{Name: "w1"},
			{Name: "w2"},
		},
	}
	invoke := func(_ context.Context, agent types.Agent, input string, _ *types.Workspace) (*runner.TurnResult, error) {
		if agent.Name == "mgr" {
			if strings.Contains(input, "---") {
				return &runner.TurnResult{Text: "final synthesis"}, nil
			}
			return &runner.TurnResult{Text: "delegate to workers"}, nil
		}
		return &runner.TurnResult{Text: fmt.Sprintf("%s-done", agent.Name)}, nil
	}

	result, err := Execute(context.Background(), block, "task", invoke, noWorkspace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "final synthesis" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if len(result.Turns) != 4 {
		t.Fatalf("expected manager+2workers+manager turns, got %d", len(result.Turns))
	}
}
