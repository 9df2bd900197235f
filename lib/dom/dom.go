// Package dom models the small slice of the document tree the embed host
// cares about: container nodes that widgets get parented into. Moves are
// expressed as explicit ownership transfers so the single-parent invariant
// stays checkable instead of being implied by ad-hoc node relocation.
//
// A single package-level mutex serializes all tree mutations; the trees
// involved are tiny and contention is not a concern.
package dom

import (
	"fmt"
	"sync"
)

var treeMu sync.Mutex

// Node is a mirrored document node. A node is attached to at most one
// parent at any instant.
type Node struct {
	id       string
	parent   *Node
	children []*Node
}

// NewNode creates a detached node with the given id.
func NewNode(id string) *Node {
	return &Node{id: id}
}

func (n *Node) ID() string { return n.id }

// Parent returns the current parent, or nil when detached.
func (n *Node) Parent() *Node {
	treeMu.Lock()
	defer treeMu.Unlock()
	return n.parent
}

// Children returns a copy of the child list in document order.
func (n *Node) Children() []*Node {
	treeMu.Lock()
	defer treeMu.Unlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// ChildCount returns the number of direct children.
func (n *Node) ChildCount() int {
	treeMu.Lock()
	defer treeMu.Unlock()
	return len(n.children)
}

// AppendChild attaches a detached node as the last child.
func (n *Node) AppendChild(child *Node) error {
	treeMu.Lock()
	defer treeMu.Unlock()
	return n.appendChild(child)
}

func (n *Node) appendChild(child *Node) error {
	if child == nil {
		return fmt.Errorf("append to %s: nil child", n.id)
	}
	if child.parent != nil {
		return fmt.Errorf("append %s to %s: already attached to %s", child.id, n.id, child.parent.id)
	}
	child.parent = n
	n.children = append(n.children, child)
	return nil
}

// RemoveChild detaches a direct child.
func (n *Node) RemoveChild(child *Node) error {
	treeMu.Lock()
	defer treeMu.Unlock()
	return n.removeChild(child)
}

func (n *Node) removeChild(child *Node) error {
	if child == nil || child.parent != n {
		return fmt.Errorf("remove from %s: not a child", n.id)
	}
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return nil
		}
	}
	return fmt.Errorf("remove %s from %s: child list out of sync", child.id, n.id)
}

// ReplaceChild swaps oldChild for newChild at the same position. Used by
// widget factories that substitute a placeholder node with the live
// widget node.
func (n *Node) ReplaceChild(oldChild, newChild *Node) error {
	treeMu.Lock()
	defer treeMu.Unlock()
	if newChild == nil {
		return fmt.Errorf("replace in %s: nil replacement", n.id)
	}
	if newChild.parent != nil {
		return fmt.Errorf("replace in %s: %s already attached to %s", n.id, newChild.id, newChild.parent.id)
	}
	if oldChild == nil || oldChild.parent != n {
		return fmt.Errorf("replace in %s: not a child", n.id)
	}
	for i, c := range n.children {
		if c == oldChild {
			n.children[i] = newChild
			newChild.parent = n
			oldChild.parent = nil
			return nil
		}
	}
	return fmt.Errorf("replace %s in %s: child list out of sync", oldChild.id, n.id)
}

// Transfer moves node from its current owner to a new one. The caller
// states who it believes the current owner is; a mismatch means two
// parties think they hold the node and the move is refused.
func Transfer(node, from, to *Node) error {
	treeMu.Lock()
	defer treeMu.Unlock()
	if node == nil || to == nil {
		return fmt.Errorf("transfer: nil node or destination")
	}
	if node.parent != from {
		owner := "nil"
		if node.parent != nil {
			owner = node.parent.id
		}
		expected := "nil"
		if from != nil {
			expected = from.id
		}
		return fmt.Errorf("transfer %s: owned by %s, expected %s", node.id, owner, expected)
	}
	if from != nil {
		if err := from.removeChild(node); err != nil {
			return err
		}
	}
	return to.appendChild(node)
}
