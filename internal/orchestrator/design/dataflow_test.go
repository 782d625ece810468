package design

import (
	"strings"
	"testing"

	"github.com/loomctl/loom/pkg/types"
)

func TestComposeBlockInputNoPredecessors(t *testing.T) {
	b := types.Block{ID: "a", Task: "do the thing"}
	got := composeBlockInput(b, types.Design{}, nil)
	if got != "do the thing" {
		t.Fatalf("got %q", got)
	}
}

func TestComposeBlockInputAggregatesBlockLevelPredecessorsInOrder(t *testing.T) {
	d := types.Design{
		Connections: []types.Connection{
			{SourceBlock: "z", TargetBlock: "target"},
			{SourceBlock: "a", TargetBlock: "target"},
		},
	}
	target := types.Block{ID: "target", Task: "synthesize"}
	outputs := map[string]string{"a": "from a", "z": "from z"}

	got := composeBlockInput(target, d, outputs)
	if !strings.Contains(got, "synthesize") {
		t.Fatalf("expected task preserved, got %q", got)
	}
	idxA := strings.Index(got, "from a")
	idxZ := strings.Index(got, "from z")
	if idxA == -1 || idxZ == -1 || idxA > idxZ {
		t.Fatalf("expected predecessor id order (a before z), got %q", got)
	}
}

func TestComposeBlockInputIgnoresAgentScopedConnections(t *testing.T) {
	d := types.Design{
		Connections: []types.Connection{
			{SourceBlock: "a", TargetBlock: "target", SourceAgent: "worker", TargetAgent: "reviewer"},
		},
	}
	target := types.Block{ID: "target", Task: "synthesize"}
	got := composeBlockInput(target, d, map[string]string{"a": "should not appear"})
	if got != "synthesize" {
		t.Fatalf("agent-scoped connection leaked into block-level aggregation: %q", got)
	}
}

func TestAgentOverridesRoutesNamedAgentOutputToNamedTarget(t *testing.T) {
	d := types.Design{
		Connections: []types.Connection{
			{SourceBlock: "a", TargetBlock: "b", SourceAgent: "writer", TargetAgent: "reviewer"},
		},
	}
	target := types.Block{ID: "b"}
	agentOutputs := map[agentKey]string{
		{blockID: "a", agentName: "writer"}: "draft text",
	}

	overrides := agentOverrides(target, d, agentOutputs)
	if overrides["reviewer"] != "draft text" {
		t.Fatalf("overrides = %v", overrides)
	}
}

func TestAgentOverridesNilWhenNoBindings(t *testing.T) {
	target := types.Block{ID: "b"}
	if overrides := agentOverrides(target, types.Design{}, nil); overrides != nil {
		t.Fatalf("expected nil overrides, got %v", overrides)
	}
}

func TestAgentOverridesSkipsUnresolvedSource(t *testing.T) {
	d := types.Design{
		Connections: []types.Connection{
			{SourceBlock: "a", TargetBlock: "b", SourceAgent: "missing", TargetAgent: "reviewer"},
		},
	}
	target := types.Block{ID: "b"}
	overrides := agentOverrides(target, d, map[agentKey]string{})
	if _, ok := overrides["reviewer"]; ok {
		t.Fatalf("expected no override for an unresolved source agent, got %v", overrides)
	}
}
