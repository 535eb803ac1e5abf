package datastore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

var ErrInvalidPath = errors.New("invalid path")

const RootPath = "/"

type Node struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

type nodeItem struct {
	node Node
}

func (i *nodeItem) Less(than btree.Item) bool {
	return i.node.Path < than.(*nodeItem).node.Path
}

// Tree is a set of nodes addressed by slash-separated paths such as
// "/a/b/c". Writing a node creates its missing ancestors with an empty value.
// The root node is implicit.
type Tree struct {
	nodes *btree.BTree

	mu sync.RWMutex
}

func NewTree() *Tree {
	return &Tree{
		nodes: btree.New(2),
	}
}

// CleanPath validates a path and returns its canonical form.
func CleanPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("%w %q: path must start with '/'",
			ErrInvalidPath, path)
	}

	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return RootPath, nil
	}

	for _, segment := range strings.Split(path[1:], "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("%w %q: empty segment", ErrInvalidPath, path)
		case ".", "..":
			return "", fmt.Errorf("%w %q: invalid segment %q",
				ErrInvalidPath, path, segment)
		}
	}

	return path, nil
}

func parentPath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return RootPath
	}

	return path[:idx]
}

func childPrefix(path string) string {
	if path == RootPath {
		return RootPath
	}

	return path + "/"
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.nodes.Len()
}

func (t *Tree) Read(path string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	item := t.nodes.Get(&nodeItem{node: Node{Path: path}})
	if item == nil {
		return Node{}, false
	}

	return item.(*nodeItem).node, true
}

// Children returns the direct children of a node ordered by path.
func (t *Tree) Children(path string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var children []Node

	prefix := childPrefix(path)

	t.nodes.AscendGreaterOrEqual(&nodeItem{node: Node{Path: prefix}},
		func(i btree.Item) bool {
			node := i.(*nodeItem).node

			if !strings.HasPrefix(node.Path, prefix) {
				return false
			}

			if !strings.Contains(node.Path[len(prefix):], "/") {
				children = append(children, node)
			}

			return true
		})

	return children
}

// Write sets the value of a node and returns true if the node was created.
func (t *Tree) Write(path, value string) bool {
	if path == RootPath {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for parent := parentPath(path); parent != RootPath; parent = parentPath(parent) {
		item := &nodeItem{node: Node{Path: parent}}
		if !t.nodes.Has(item) {
			t.nodes.ReplaceOrInsert(item)
		}
	}

	previous := t.nodes.ReplaceOrInsert(&nodeItem{
		node: Node{Path: path, Value: value},
	})

	return previous == nil
}

// Delete removes a node and all its descendants, and returns the number of
// nodes removed.
func (t *Tree) Delete(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if path == RootPath {
		n := t.nodes.Len()
		t.nodes.Clear(false)
		return n
	}

	var items []btree.Item

	if item := t.nodes.Get(&nodeItem{node: Node{Path: path}}); item != nil {
		items = append(items, item)
	}

	prefix := childPrefix(path)

	t.nodes.AscendGreaterOrEqual(&nodeItem{node: Node{Path: prefix}},
		func(i btree.Item) bool {
			if !strings.HasPrefix(i.(*nodeItem).node.Path, prefix) {
				return false
			}

			items = append(items, i)
			return true
		})

	for _, item := range items {
		t.nodes.Delete(item)
	}

	return len(items)
}

// Nodes returns all nodes ordered by path.
func (t *Tree) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]Node, 0, t.nodes.Len())

	t.nodes.Ascend(func(i btree.Item) bool {
		nodes = append(nodes, i.(*nodeItem).node)
		return true
	})

	return nodes
}

// Reset replaces the content of the tree.
func (t *Tree) Reset(nodes []Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes.Clear(false)

	for _, node := range nodes {
		t.nodes.ReplaceOrInsert(&nodeItem{node: node})
	}
}
