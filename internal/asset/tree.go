package asset

import (
	"path/filepath"
	"strings"
)

// Tree is an arena of nodes addressed by NodeID. Each node records its parent
// and its ordered children explicitly; there are no back pointers.
//
// A Tree is not safe for concurrent mutation. During a pipeline run the
// structure is frozen and concurrent work units only touch their own node.
type Tree struct {
	nodes  []*Node
	free   []NodeID
	byPath map[string]NodeID
	root   NodeID
}

// NewTree creates a tree whose root is the folder at rootPath, in state Added.
func NewTree(rootPath string) *Tree {
	t := &Tree{byPath: make(map[string]NodeID)}
	root := t.alloc(CleanPath(rootPath), true, Added, NoParent)
	t.root = root.ID
	return t
}

// CleanPath normalizes a path to the form stored in the tree.
func CleanPath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

func (t *Tree) alloc(path string, isFolder bool, state State, parent NodeID) *Node {
	n := &Node{
		Parent:   parent,
		Path:     path,
		IsFolder: isFolder,
		State:    state,
	}
	if len(t.free) > 0 {
		n.ID = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[n.ID] = n
	} else {
		n.ID = NodeID(len(t.nodes))
		t.nodes = append(t.nodes, n)
	}
	t.byPath[path] = n.ID
	return n
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.nodes[t.root]
}

// Node returns the node with the given id, or nil.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Parent returns the parent of n, or nil for the root.
func (t *Tree) Parent(n *Node) *Node {
	return t.Node(n.Parent)
}

// Children returns the children of n in order.
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, id := range n.Children {
		out = append(out, t.nodes[id])
	}
	return out
}

// FindByPath resolves a path in the tree.
func (t *Tree) FindByPath(path string) *Node {
	id, ok := t.byPath[CleanPath(path)]
	if !ok {
		return nil
	}
	return t.nodes[id]
}

// Add creates a child of parent. If the path is already tracked the existing
// node is returned unchanged.
func (t *Tree) Add(parent *Node, path string, isFolder bool, state State) *Node {
	path = CleanPath(path)
	if existing := t.FindByPath(path); existing != nil {
		return existing
	}
	n := t.alloc(path, isFolder, state, parent.ID)
	parent.Children = append(parent.Children, n.ID)
	n.PathTags = ParsePathTags(filepath.Base(path))
	return n
}

// EnsurePath returns the node for path, creating it and any missing ancestor
// folders below the root in state Added. created reports whether the node
// itself was created. Paths outside the root return nil.
func (t *Tree) EnsurePath(path string, isFolder bool) (n *Node, created bool) {
	path = CleanPath(path)
	if existing := t.FindByPath(path); existing != nil {
		return existing, false
	}
	root := t.Root()
	rel, ok := relUnder(root.Path, path)
	if !ok {
		return nil, false
	}

	parent := root
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		childPath := joinPath(parent.Path, part)
		last := i == len(parts)-1
		child := t.FindByPath(childPath)
		if child == nil {
			child = t.Add(parent, childPath, !last || isFolder, Added)
			if last {
				created = true
			}
		}
		parent = child
	}
	return parent, created
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func relUnder(root, path string) (string, bool) {
	if path == root {
		return "", false
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// Remove drops n and its whole subtree from the tree.
func (t *Tree) Remove(n *Node) {
	if n.ID == t.root {
		return
	}
	if parent := t.Parent(n); parent != nil {
		for i, id := range parent.Children {
			if id == n.ID {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	t.release(n)
}

func (t *Tree) release(n *Node) {
	for _, id := range n.Children {
		t.release(t.nodes[id])
	}
	delete(t.byPath, n.Path)
	t.nodes[n.ID] = nil
	t.free = append(t.free, n.ID)
}

// Walk visits the tree depth-first, parents before children. When fn returns
// false the children of that node are skipped.
func (t *Tree) Walk(fn func(n *Node) bool) {
	t.walk(t.Root(), fn)
}

// WalkFrom is Walk starting at n.
func (t *Tree) WalkFrom(n *Node, fn func(n *Node) bool) {
	t.walk(n, fn)
}

func (t *Tree) walk(n *Node, fn func(n *Node) bool) {
	if !fn(n) {
		return
	}
	for _, id := range n.Children {
		t.walk(t.nodes[id], fn)
	}
}

// WalkPost visits the tree depth-first, children before parents.
func (t *Tree) WalkPost(fn func(n *Node)) {
	t.walkPost(t.Root(), fn)
}

func (t *Tree) walkPost(n *Node, fn func(n *Node)) {
	for _, id := range n.Children {
		t.walkPost(t.nodes[id], fn)
	}
	fn(n)
}

// Count counts all nodes in the tree.
func (t *Tree) Count() int {
	return len(t.byPath)
}

// Flatten returns all nodes keyed by path.
func (t *Tree) Flatten() map[string]*Node {
	result := make(map[string]*Node, len(t.byPath))
	for path, id := range t.byPath {
		result[path] = t.nodes[id]
	}
	return result
}

// MarkAncestorsModified flags every Normal ancestor of n as Modified so a
// change below a folder reaches folder-scoped plugins.
func (t *Tree) MarkAncestorsModified(n *Node) {
	for p := t.Parent(n); p != nil; p = t.Parent(p) {
		if p.State == Normal {
			p.State = Modified
		}
	}
}

// MarkSubtree sets state on n and every descendant.
func (t *Tree) MarkSubtree(n *Node, state State) {
	t.WalkFrom(n, func(c *Node) bool {
		c.State = state
		return true
	})
}

// ApplySettings recomputes tags and settings for every node: inherited tags
// from the parent, then the node's own path tags, then rule overrides.
func (t *Tree) ApplySettings(rules *Rules) {
	basePath := t.Root().Path
	t.Walk(func(n *Node) bool {
		var inherited Tags
		if p := t.Parent(n); p != nil {
			inherited = p.Tags
		}
		n.Tags = inherited.Merge(n.PathTags)
		n.ApplySettings(rules, basePath)
		return true
	})
}

// Changed reports whether any node is not Normal.
func (t *Tree) Changed() bool {
	changed := false
	t.Walk(func(n *Node) bool {
		if n.State != Normal {
			changed = true
		}
		return !changed
	})
	return changed
}

// Settle removes Deleted nodes and resets every remaining node to Normal.
// It is called once a run has completed.
func (t *Tree) Settle() {
	var deleted []*Node
	t.Walk(func(n *Node) bool {
		if n.State == Deleted && n.ID != t.root {
			deleted = append(deleted, n)
			return false
		}
		n.State = Normal
		n.Skip = false
		return true
	})
	for _, n := range deleted {
		t.Remove(n)
	}
}

// ReleaseBuffers drops every node's in-memory payload.
func (t *Tree) ReleaseBuffers() {
	t.Walk(func(n *Node) bool {
		n.ReleaseBuffer()
		return true
	})
}
