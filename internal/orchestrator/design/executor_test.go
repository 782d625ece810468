package design

import (
	"context"
	"strings"
	"testing"

	"github.com/loomctl/loom/internal/agent/runner"
	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/credentials"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/internal/orchestrator/patterns"
	"github.com/loomctl/loom/pkg/types"
)

func testExecutor(t *testing.T, shellScript string) *Executor {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	r := runner.NewRunner(credentials.NewManager(log), log)

	noWorkspace := func(agentName string) *types.Workspace { return nil }

	return &Executor{
		Runner: r,
		RunnerConfig: config.RunnerConfig{
			CLICommand: "/bin/sh",
			CLIArgs:    []string{"-c", shellScript},
		},
		ProvisionWorkspace: func(ctx context.Context, block types.Block, executionID string) (patterns.WorkspaceFunc, string, map[string]string, func() error, error) {
			return noWorkspace, "", nil, func() error { return nil }, nil
		},
	}
}

func TestExecutorRunsSingleSequentialBlock(t *testing.T) {
	e := testExecutor(t, `printf 'done\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "b1", Type: types.BlockSequential, Agents: []types.Agent{{Name: "writer"}}},
		},
	}

	out, err := e.Run(context.Background(), d, "initial task", "exec-1", "user-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "done") {
		t.Fatalf("output = %q", out)
	}
}

func TestExecutorEmitsBlockAndExecutionEvents(t *testing.T) {
	e := testExecutor(t, `printf 'done\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "b1", Type: types.BlockSequential, Agents: []types.Agent{{Name: "writer"}}},
		},
	}

	var kinds []EventKind
	e.Emit = func(ev Event) { kinds = append(kinds, ev.Kind) }

	if _, err := e.Run(context.Background(), d, "task", "exec-1", "user-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []EventKind{EventBlockStarted, EventAgentStarted, EventAgentChunk, EventAgentCompleted, EventBlockCompleted, EventExecutionComplete}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want kinds matching %v", kinds, want)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, kinds[i], k, kinds)
		}
	}
}

func TestExecutorRunsBothBlocksOfConnectedDesign(t *testing.T) {
	e := testExecutor(t, `printf 'hello from agent\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "first", Type: types.BlockSequential, Agents: []types.Agent{{Name: "writer"}}, Task: "write"},
			{ID: "second", Type: types.BlockSequential, Agents: []types.Agent{{Name: "reviewer"}}, Task: "review"},
		},
		Connections: []types.Connection{
			{SourceBlock: "first", TargetBlock: "second"},
		},
	}

	var blockOutputsSeen []string
	e.Emit = func(ev Event) {
		if ev.Kind == EventBlockCompleted {
			blockOutputsSeen = append(blockOutputsSeen, ev.Text)
		}
	}

	out, err := e.Run(context.Background(), d, "initial", "exec-1", "user-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "hello from agent") {
		t.Fatalf("final output = %q", out)
	}
	if len(blockOutputsSeen) != 2 {
		t.Fatalf("expected 2 block_completed events, got %v", blockOutputsSeen)
	}
}

func TestExecutorRejectsCyclicDesign(t *testing.T) {
	e := testExecutor(t, `printf 'done\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "a", Type: types.BlockSequential, Agents: []types.Agent{{Name: "x"}}},
			{ID: "b", Type: types.BlockSequential, Agents: []types.Agent{{Name: "y"}}},
		},
		Connections: []types.Connection{
			{SourceBlock: "a", TargetBlock: "b"},
			{SourceBlock: "b", TargetBlock: "a"},
		},
	}

	_, err := e.Run(context.Background(), d, "task", "exec-1", "user-1", nil)
	if !loomerr.Is(err, loomerr.KindDesignCyclic) {
		t.Fatalf("expected DesignCyclic, got %v", err)
	}
}

func TestExecutorRejectsUnknownBlockType(t *testing.T) {
	e := testExecutor(t, `printf 'done\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "a", Type: types.BlockType("made_up"), Agents: []types.Agent{{Name: "x"}}},
		},
	}

	_, err := e.Run(context.Background(), d, "task", "exec-1", "user-1", nil)
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecutorRejectsDuplicateAgentNamesInBlock(t *testing.T) {
	e := testExecutor(t, `printf 'done\n'`)
	d := types.Design{
		Blocks: []types.Block{
			{ID: "a", Type: types.BlockParallel, Agents: []types.Agent{{Name: "dup"}, {Name: "dup"}}},
		},
	}

	_, err := e.Run(context.Background(), d, "task", "exec-1", "user-1", nil)
	if !loomerr.Is(err, loomerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecutorCallsCleanupEvenOnBlockFailure(t *testing.T) {
	e := testExecutor(t, `echo boom 1>&2; exit 1`)
	cleaned := false
	e.ProvisionWorkspace = func(ctx context.Context, block types.Block, executionID string) (patterns.WorkspaceFunc, string, map[string]string, func() error, error) {
		return func(string) *types.Workspace { return nil }, "", nil, func() error { cleaned = true; return nil }, nil
	}

	d := types.Design{
		Blocks: []types.Block{
			{ID: "a", Type: types.BlockSequential, Agents: []types.Agent{{Name: "x"}}},
		},
	}

	if _, err := e.Run(context.Background(), d, "task", "exec-1", "user-1", nil); err == nil {
		t.Fatal("expected an error")
	}
	if !cleaned {
		t.Fatal("expected workspace cleanup to run even though the block failed")
	}
}
