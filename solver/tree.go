package solver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/scttfrdmn/totcode/thought"
)

// NodeState represents the state of a node after its step finished.
type NodeState string

const (
	// NodeStateOpen indicates the node was generated but not yet evaluated.
	NodeStateOpen NodeState = "open"
	// NodeStateSelected indicates the node survived selection.
	NodeStateSelected NodeState = "selected"
	// NodeStatePruned indicates the node lost selection.
	NodeStatePruned NodeState = "pruned"
)

// Node is one thought in the search tree.
type Node struct {
	ID       int             `json:"id"`
	ParentID int             `json:"parent_id"` // -1 for the root
	Depth    int             `json:"depth"`
	Thought  thought.Thought `json:"thought"`
	Score    float64         `json:"score"`
	State    NodeState       `json:"state"`
	Children []int           `json:"children,omitempty"`
}

// IsLeaf returns true if this node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// SearchTree records every thought generated during one search so the
// path to each survivor can be inspected afterwards. It is safe for
// concurrent use.
type SearchTree struct {
	mu    sync.RWMutex
	nodes []*Node
}

// NewSearchTree creates a tree holding only the empty root thought.
func NewSearchTree() *SearchTree {
	return &SearchTree{
		nodes: []*Node{{ID: 0, ParentID: -1, State: NodeStateSelected}},
	}
}

// Root returns the root node ID.
func (t *SearchTree) Root() int {
	return 0
}

// AddChild adds a generated thought under parentID and returns its ID.
func (t *SearchTree) AddChild(parentID int, th thought.Thought) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID < 0 || parentID >= len(t.nodes) {
		return 0, fmt.Errorf("parent node %d not found", parentID)
	}
	parent := t.nodes[parentID]
	child := &Node{
		ID:       len(t.nodes),
		ParentID: parentID,
		Depth:    parent.Depth + 1,
		Thought:  th,
		State:    NodeStateOpen,
	}
	t.nodes = append(t.nodes, child)
	parent.Children = append(parent.Children, child.ID)
	return child.ID, nil
}

// Score records the evaluation score of a node.
func (t *SearchTree) Score(nodeID int, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nodeID >= 0 && nodeID < len(t.nodes) {
		t.nodes[nodeID].Score = score
	}
}

// Mark sets the post-selection state of a node.
func (t *SearchTree) Mark(nodeID int, state NodeState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if nodeID >= 0 && nodeID < len(t.nodes) {
		t.nodes[nodeID].State = state
	}
}

// Node returns a copy of the node with the given ID, or nil if not found.
func (t *SearchTree) Node(nodeID int) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if nodeID < 0 || nodeID >= len(t.nodes) {
		return nil
	}
	n := *t.nodes[nodeID]
	n.Children = append([]int(nil), n.Children...)
	return &n
}

// Path returns the nodes from the root to nodeID.
func (t *SearchTree) Path(nodeID int) []*Node {
	var path []*Node
	for id := nodeID; id >= 0; {
		n := t.Node(id)
		if n == nil {
			break
		}
		path = append([]*Node{n}, path...)
		id = n.ParentID
	}
	return path
}

// PathText renders the step-by-step growth of nodeID's thought.
func (t *SearchTree) PathText(nodeID int, delimiter string) string {
	path := t.Path(nodeID)
	texts := make([]string, 0, len(path))
	for _, n := range path {
		if n.ParentID < 0 {
			continue
		}
		texts = append(texts, string(n.Thought))
	}
	return strings.Join(texts, delimiter)
}

// Size returns the total number of nodes in the tree.
func (t *SearchTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// TreeStatistics contains statistics about the search tree.
type TreeStatistics struct {
	TotalNodes  int     `json:"total_nodes"`
	MaxDepth    int     `json:"max_depth"`
	NumSelected int     `json:"num_selected"`
	NumPruned   int     `json:"num_pruned"`
	BestScore   float64 `json:"best_score"`
}

// Statistics returns statistics about the tree. The root is not counted
// as selected.
func (t *SearchTree) Statistics() TreeStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TreeStatistics{TotalNodes: len(t.nodes)}
	for _, n := range t.nodes[1:] {
		if n.Depth > stats.MaxDepth {
			stats.MaxDepth = n.Depth
		}
		switch n.State {
		case NodeStateSelected:
			stats.NumSelected++
		case NodeStatePruned:
			stats.NumPruned++
		}
		if n.Score > stats.BestScore {
			stats.BestScore = n.Score
		}
	}
	return stats
}
