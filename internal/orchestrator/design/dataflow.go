package design

import (
	"sort"
	"strings"

	"github.com/loomctl/loom/pkg/types"
)

// blockLevelPredecessors returns, in predecessor-id order, the IDs of
// blocks connected to target by a purely block-level edge (not
// agent-scoped).
func blockLevelPredecessors(d types.Design, targetBlockID string) []string {
	var preds []string
	for _, c := range d.Connections {
		if c.TargetBlock == targetBlockID && !c.IsAgentScoped() {
			preds = append(preds, c.SourceBlock)
		}
	}
	sort.Strings(preds)
	return preds
}

// agentBindings returns the agent-scoped connections targeting
// targetBlockID, ordered by source block ID for determinism.
func agentBindings(d types.Design, targetBlockID string) []types.Connection {
	var bindings []types.Connection
	for _, c := range d.Connections {
		if c.TargetBlock == targetBlockID && c.IsAgentScoped() {
			bindings = append(bindings, c)
		}
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].SourceBlock < bindings[j].SourceBlock })
	return bindings
}

// composeBlockInput builds a target block's input per spec: its own
// task, followed by the block-level aggregation of predecessor
// outputs (predecessor id order), if any.
func composeBlockInput(block types.Block, d types.Design, blockOutputs map[string]string) string {
	preds := blockLevelPredecessors(d, block.ID)
	if len(preds) == 0 {
		return block.Task
	}

	parts := make([]string, 0, len(preds))
	for _, predID := range preds {
		parts = append(parts, blockOutputs[predID])
	}
	return block.Task + "\n\nPrevious Results:\n" + strings.Join(parts, "\n\n---\n\n")
}

// agentOverrides computes the per-agent input override for a target
// block's agent-scoped inbound edges: the named source agent's turn
// text is routed only to the named target agent, instead of that
// agent receiving the block-level aggregation like everyone else.
func agentOverrides(block types.Block, d types.Design, agentOutputs map[agentKey]string) map[string]string {
	bindings := agentBindings(d, block.ID)
	if len(bindings) == 0 {
		return nil
	}

	overrides := make(map[string]string, len(bindings))
	for _, c := range bindings {
		text, ok := agentOutputs[agentKey{blockID: c.SourceBlock, agentName: c.SourceAgent}]
		if !ok {
			continue
		}
		overrides[c.TargetAgent] = text
	}
	return overrides
}

// agentKey identifies one agent's turn output within one block, used
// to look up agent-scoped connection sources across the whole design.
type agentKey struct {
	blockID   string
	agentName string
}
