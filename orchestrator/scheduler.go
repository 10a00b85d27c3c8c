package orchestrator

import (
	"github.com/agentmesh/agentmesh/types"
)

// Schedule performs a topological sort of the workflow graph and returns the
// nodes in a dependency-respecting execution order.
//
// A node qualifies for the initial queue if it is typed start or if its
// computed in-degree is zero; a start-typed node is always eligible
// regardless of incoming edges. Ties among equally-eligible nodes follow the
// input enumeration order of the node set; the advisory Position field is
// not a sort key.
func Schedule(nodes []types.Node, edges []types.Edge) ([]types.Node, error) {
	nodesByID := make(map[uint]types.Node, len(nodes))
	for _, node := range nodes {
		nodesByID[node.ID] = node
	}

	adjacency := make(map[uint][]uint, len(nodes))
	inDegree := make(map[uint]int, len(nodes))
	for _, node := range nodes {
		inDegree[node.ID] = 0
	}

	for _, edge := range edges {
		if _, ok := nodesByID[edge.SourceNodeID]; !ok {
			return nil, types.Errorf(types.ErrInvalidGraph,
				"edge %d references unknown source node %d", edge.ID, edge.SourceNodeID)
		}
		if _, ok := nodesByID[edge.TargetNodeID]; !ok {
			return nil, types.Errorf(types.ErrInvalidGraph,
				"edge %d references unknown target node %d", edge.ID, edge.TargetNodeID)
		}
		adjacency[edge.SourceNodeID] = append(adjacency[edge.SourceNodeID], edge.TargetNodeID)
		inDegree[edge.TargetNodeID]++
	}

	// Seed the queue with entry points, preserving input enumeration order.
	// A start node with incoming edges is seeded here and must not be
	// enqueued a second time when its in-degree later drains to zero.
	queue := make([]uint, 0, len(nodes))
	enqueued := make(map[uint]bool, len(nodes))
	for _, node := range nodes {
		if node.Type == types.NodeStart || inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
			enqueued[node.ID] = true
		}
	}

	if len(queue) == 0 {
		return nil, types.NewError(types.ErrNoEntryPoint, "no entry point found")
	}

	sorted := make([]types.Node, 0, len(nodes))
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		sorted = append(sorted, nodesByID[nodeID])

		for _, neighborID := range adjacency[nodeID] {
			inDegree[neighborID]--
			if inDegree[neighborID] == 0 && !enqueued[neighborID] {
				queue = append(queue, neighborID)
				enqueued[neighborID] = true
			}
		}
	}

	if len(sorted) != len(nodes) {
		return nil, types.Errorf(types.ErrCyclicGraph,
			"cycle or unreachable node detected: expected %d nodes, got %d", len(nodes), len(sorted))
	}

	return sorted, nil
}
