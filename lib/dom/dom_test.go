package dom

import (
	"testing"
)

func TestAppendAndRemoveChild(t *testing.T) {
	t.Parallel()

	parent := NewNode("parent")
	child := NewNode("child")

	if err := parent.AppendChild(child); err != nil {
		t.Fatalf("append: %v", err)
	}
	if child.Parent() != parent {
		t.Errorf("parent = %v, want %v", child.Parent(), parent)
	}
	if parent.ChildCount() != 1 {
		t.Errorf("child count = %d, want 1", parent.ChildCount())
	}

	// A node attached elsewhere must be refused.
	other := NewNode("other")
	if err := other.AppendChild(child); err == nil {
		t.Error("expected error appending an already-attached node")
	}

	if err := parent.RemoveChild(child); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if child.Parent() != nil {
		t.Errorf("parent after remove = %v, want nil", child.Parent())
	}
}

func TestReplaceChildKeepsPosition(t *testing.T) {
	t.Parallel()

	parent := NewNode("parent")
	a := NewNode("a")
	b := NewNode("b")
	c := NewNode("c")
	for _, n := range []*Node{a, b, c} {
		if err := parent.AppendChild(n); err != nil {
			t.Fatalf("append %s: %v", n.ID(), err)
		}
	}

	replacement := NewNode("b2")
	if err := parent.ReplaceChild(b, replacement); err != nil {
		t.Fatalf("replace: %v", err)
	}

	children := parent.Children()
	if len(children) != 3 || children[1] != replacement {
		t.Errorf("children = %v, want b2 at index 1", children)
	}
	if b.Parent() != nil {
		t.Error("replaced child still attached")
	}
}

func TestTransferValidatesOwner(t *testing.T) {
	t.Parallel()

	parking := NewNode("parking")
	container := NewNode("container")
	host := NewNode("host")
	if err := parking.AppendChild(host); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Wrong claimed owner: refused, nothing moves.
	if err := Transfer(host, container, parking); err == nil {
		t.Error("expected owner mismatch error")
	}
	if host.Parent() != parking {
		t.Error("host moved despite refused transfer")
	}

	if err := Transfer(host, parking, container); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if host.Parent() != container {
		t.Errorf("host parent = %v, want container", host.Parent())
	}
	if parking.ChildCount() != 0 {
		t.Error("host still listed under parking")
	}
}

func TestTransferDetachedNode(t *testing.T) {
	t.Parallel()

	container := NewNode("container")
	node := NewNode("loose")
	if err := Transfer(node, nil, container); err != nil {
		t.Fatalf("transfer detached: %v", err)
	}
	if node.Parent() != container {
		t.Error("detached node not attached")
	}
}
