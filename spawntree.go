package weft

import (
	"context"
	"time"

	"github.com/everydev1618/weft/registry"
)

// SpawnTreeNode represents a node in the thread spawn tree.
type SpawnTreeNode struct {
	ThreadID     string                `json:"thread_id"`
	Directive    string                `json:"directive"`
	Status       registry.Status       `json:"status"`
	Cost         registry.CostSnapshot `json:"cost"`
	Continuation string                `json:"continuation_thread_id,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	Children     []*SpawnTreeNode      `json:"children,omitempty"`
}

// SpawnTree returns the tree of threads below rootID, rootID included.
func (o *Orchestrator) SpawnTree(ctx context.Context, rootID string) (*SpawnTreeNode, error) {
	root, err := o.registry.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	descendants, err := o.registry.Children(ctx, rootID, true)
	if err != nil {
		return nil, err
	}

	// Build a map of thread ID to node
	nodeMap := map[string]*SpawnTreeNode{root.ID: treeNode(root)}
	for i := range descendants {
		nodeMap[descendants[i].ID] = treeNode(&descendants[i])
	}

	// Children come back in creation order, so appending keeps it.
	for _, t := range descendants {
		if parent, ok := nodeMap[t.ParentID]; ok {
			parent.Children = append(parent.Children, nodeMap[t.ID])
		}
	}
	return nodeMap[root.ID], nil
}

func treeNode(t *registry.Thread) *SpawnTreeNode {
	return &SpawnTreeNode{
		ThreadID:     t.ID,
		Directive:    t.Directive,
		Status:       t.Status,
		Cost:         t.Cost,
		Continuation: t.ContinuationThreadID,
		CreatedAt:    t.CreatedAt,
	}
}
