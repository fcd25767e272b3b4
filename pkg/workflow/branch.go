package workflow

import (
	"sort"

	"github.com/dukex/flowtrack/pkg/models"
)

const (
	targetNodeKey     = "targetNodeId"
	reachableNodesKey = "reachableNodeIds"
)

func selectEdge(workflow *models.Workflow, sourceNodeID, handle string) *models.WorkflowEdge {
	for _, edge := range workflow.EnabledEdges() {
		if edge.SourceNodeID == sourceNodeID && edge.SourceHandle == handle {
			return edge
		}
	}

	return nil
}

// reachableFrom walks enabled edges breadth first and returns every graph
// node id reachable from start, start included, sorted.
func reachableFrom(workflow *models.Workflow, start string) []string {
	adjacency := make(map[string][]string)
	for _, edge := range workflow.EnabledEdges() {
		adjacency[edge.SourceNodeID] = append(adjacency[edge.SourceNodeID], edge.TargetNodeID)
	}

	visited := map[string]bool{start: true}
	pending := []string{start}

	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]

		for _, target := range adjacency[current] {
			if !visited[target] {
				visited[target] = true
				pending = append(pending, target)
			}
		}
	}

	reachable := make([]string, 0, len(visited))
	for id := range visited {
		reachable = append(reachable, id)
	}

	sort.Strings(reachable)

	return reachable
}

// branchFilter is the union of nodes reachable from every branch taken so
// far. A nil filter lets every node run.
type branchFilter map[string]bool

func (f branchFilter) allows(flowNodeID string) bool {
	return f == nil || f[flowNodeID]
}

func (f *branchFilter) add(ids []string) {
	if *f == nil {
		*f = make(branchFilter, len(ids))
	}

	for _, id := range ids {
		(*f)[id] = true
	}
}

// reachableIDs reads the stored reachable set back from a step output. Stored
// outputs decode from JSON as []any.
func reachableIDs(output map[string]any) ([]string, bool) {
	switch ids := output[reachableNodesKey].(type) {
	case []string:
		return ids, true
	case []any:
		result := make([]string, 0, len(ids))

		for _, id := range ids {
			if s, ok := id.(string); ok {
				result = append(result, s)
			}
		}

		return result, true
	default:
		return nil, false
	}
}
