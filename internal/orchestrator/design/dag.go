package design

import (
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// adjacency is a block-level dependency graph built from a design's
// connections, regardless of whether an individual connection is
// agent-scoped — ordering only cares about block-to-block dependency.
type adjacency struct {
	order     []string            // block IDs in design.Blocks order
	inDegree  map[string]int
	outEdges  map[string][]string // source block ID -> target block IDs
}

func buildAdjacency(d types.Design) *adjacency {
	adj := &adjacency{
		inDegree: make(map[string]int, len(d.Blocks)),
		outEdges: make(map[string][]string, len(d.Blocks)),
	}
	for _, b := range d.Blocks {
		adj.order = append(adj.order, b.ID)
		adj.inDegree[b.ID] = 0
	}
	for _, c := range d.Connections {
		adj.outEdges[c.SourceBlock] = append(adj.outEdges[c.SourceBlock], c.TargetBlock)
		adj.inDegree[c.TargetBlock]++
	}
	return adj
}

// topologicalOrder runs Kahn's algorithm over adj, breaking ties by
// the block's original position in the design so that runs of the
// same design always visit blocks in the same order. It returns
// ErrDesignCyclic if not every block can be ordered.
func topologicalOrder(d types.Design) ([]string, error) {
	adj := buildAdjacency(d)

	indexOf := make(map[string]int, len(adj.order))
	for i, id := range adj.order {
		indexOf[id] = i
	}

	remaining := make(map[string]int, len(adj.inDegree))
	for id, deg := range adj.inDegree {
		remaining[id] = deg
	}

	var ready []string
	for _, id := range adj.order {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	var result []string
	for len(ready) > 0 {
		// pick the lowest-original-index ready node for a stable order
		pick := 0
		for i := 1; i < len(ready); i++ {
			if indexOf[ready[i]] < indexOf[ready[pick]] {
				pick = i
			}
		}
		id := ready[pick]
		ready = append(ready[:pick], ready[pick+1:]...)
		result = append(result, id)

		for _, target := range adj.outEdges[id] {
			remaining[target]--
			if remaining[target] == 0 {
				ready = append(ready, target)
			}
		}
	}

	if len(result) != len(adj.order) {
		return nil, loomerr.ErrDesignCyclic
	}
	return result, nil
}

// parallelLevels groups a valid topological order into levels where
// every block in a level has no dependency on another block in the
// same level — used only when Executor.ParallelLevels is enabled.
func parallelLevels(d types.Design, order []string) [][]string {
	levelOf := make(map[string]int, len(order))

	for _, id := range order {
		level := 0
		// a block's level is one past the max level of its predecessors
		for _, c := range d.Connections {
			if c.TargetBlock == id {
				if lvl, ok := levelOf[c.SourceBlock]; ok && lvl+1 > level {
					level = lvl + 1
				}
			}
		}
		levelOf[id] = level
	}

	maxLevel := 0
	for _, lvl := range levelOf {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		lvl := levelOf[id]
		levels[lvl] = append(levels[lvl], id)
	}
	return levels
}
