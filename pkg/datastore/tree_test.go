package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
		valid    bool
	}{
		{"/", "/", true},
		{"/a", "/a", true},
		{"/a/b/", "/a/b", true},
		{"/a/b/c", "/a/b/c", true},
		{"", "", false},
		{"a/b", "", false},
		{"/a//b", "", false},
		{"/a/../b", "", false},
		{"/.", "", false},
	}

	for _, test := range tests {
		path, err := CleanPath(test.path)
		if test.valid {
			if assert.NoError(t, err, test.path) {
				assert.Equal(t, test.expected, path)
			}
		} else {
			assert.ErrorIs(t, err, ErrInvalidPath, test.path)
		}
	}
}

func TestTree(t *testing.T) {
	tree := NewTree()

	assert.True(t, tree.Write("/a/b/c", "1"))
	assert.Equal(t, 3, tree.Len())

	node, found := tree.Read("/a/b")
	require.True(t, found)
	assert.Equal(t, Node{Path: "/a/b", Value: ""}, node)

	assert.False(t, tree.Write("/a/b", "2"))

	node, found = tree.Read("/a/b")
	require.True(t, found)
	assert.Equal(t, "2", node.Value)

	assert.True(t, tree.Write("/a/b2", "3"))
	assert.True(t, tree.Write("/a/b/d", "4"))
	assert.True(t, tree.Write("/ab", "5"))

	assert.Equal(t,
		[]Node{{Path: "/a"}, {Path: "/ab", Value: "5"}},
		tree.Children("/"))

	assert.Equal(t,
		[]Node{{Path: "/a/b", Value: "2"}, {Path: "/a/b2", Value: "3"}},
		tree.Children("/a"))

	assert.Equal(t,
		[]Node{{Path: "/a/b/c", Value: "1"}, {Path: "/a/b/d", Value: "4"}},
		tree.Children("/a/b"))

	assert.Empty(t, tree.Children("/a/b/c"))

	// Deleting a subtree must not touch siblings sharing a prefix
	assert.Equal(t, 3, tree.Delete("/a/b"))

	_, found = tree.Read("/a/b/c")
	assert.False(t, found)

	_, found = tree.Read("/a/b2")
	assert.True(t, found)

	assert.Equal(t, 0, tree.Delete("/unknown"))

	assert.Equal(t, 3, tree.Delete("/"))
	assert.Equal(t, 0, tree.Len())
}

func TestTreeReset(t *testing.T) {
	tree := NewTree()
	tree.Write("/x", "1")

	nodes := []Node{
		{Path: "/a", Value: ""},
		{Path: "/a/b", Value: "1"},
	}

	tree.Reset(nodes)

	assert.Equal(t, nodes, tree.Nodes())
}
