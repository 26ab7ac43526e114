package radix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTree_InsertGetReportsUpdated(t *testing.T) {
	tree := NewTree[int]()

	_, updated := tree.Insert("node-a\x001", 1)
	require.False(t, updated)

	old, updated := tree.Insert("node-a\x001", 2)
	require.True(t, updated)
	require.Equal(t, 1, old)

	v, ok := tree.Get("node-a\x001")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, tree.Len())
}

func TestTree_GetMissingKeyNotFound(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)

	_, ok := tree.Get("node-b\x001")
	require.False(t, ok)

	_, ok = tree.Get("node-a\x0010")
	require.False(t, ok)
}

func TestTree_DeleteRemovesKeyAndShrinks(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)
	tree.Insert("node-a\x002", 2)

	removed, ok := tree.Delete("node-a\x001")
	require.True(t, ok)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, tree.Len())

	_, ok = tree.Get("node-a\x001")
	require.False(t, ok)

	v, ok := tree.Get("node-a\x002")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestTree_DeleteMissingKeyIsNoop(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)

	_, ok := tree.Delete("node-b\x001")
	require.False(t, ok)
	require.Equal(t, 1, tree.Len())
}

// TestTree_DeletePrefixDropsOnlyMatchingSubtree mirrors
// ProxyRegistry.EraseAll's actual usage: every proxy for a node shares
// the key prefix node+"\x00", and DeletePrefix must drop exactly that
// subtree while leaving other nodes' entries (including ones sharing a
// string prefix of the node name) untouched.
func TestTree_DeletePrefixDropsOnlyMatchingSubtree(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)
	tree.Insert("node-a\x002", 2)
	tree.Insert("node-a\x003", 3)
	tree.Insert("node-ab\x001", 4)

	n := tree.DeletePrefix("node-a\x00")
	require.Equal(t, 3, n)
	require.Equal(t, 1, tree.Len())

	_, ok := tree.Get("node-a\x001")
	require.False(t, ok)

	v, ok := tree.Get("node-ab\x001")
	require.True(t, ok)
	require.Equal(t, 4, v)
}

func TestTree_DeletePrefixNoMatchIsNoop(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)

	n := tree.DeletePrefix("node-z\x00")
	require.Equal(t, 0, n)
	require.Equal(t, 1, tree.Len())
}

func TestTree_DeletePrefixOfEntireKeyDropsLeafAndSubtree(t *testing.T) {
	tree := NewTree[int]()
	tree.Insert("node-a\x001", 1)
	tree.Insert("node-a\x0010", 2)

	n := tree.DeletePrefix("node-a\x001")
	require.Equal(t, 2, n)
	require.Equal(t, 0, tree.Len())
}
