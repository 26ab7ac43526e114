package radix

// Forked from https://github.com/armon/go-radix, by way of the teacher's
// own fork in raskyld-grinta (already generic over Tree[T any] with
// iter.Seq2 walk iterators). Trimmed to the operations ProxyRegistry
// actually drives: point lookup/insert/delete plus DeletePrefix for
// EraseAll. The teacher's Minimum/Maximum/LongestPrefix/Walk* iteration
// API and NewTreeFromMap constructor have no caller here and are cut
// rather than carried as dead weight.

import (
	"sort"
	"strings"
)

type leafNode[T any] struct {
	key string
	val T
}

type edge[T any] struct {
	label byte
	node  *node[T]
}

type node[T any] struct {
	leaf *leafNode[T]

	// prefix is the common prefix this node represents, relative to its
	// parent.
	prefix string

	// edges is kept sorted by label so getEdge/addEdge/delEdge can binary
	// search instead of scanning.
	edges edges[T]
}

func (n *node[T]) isLeaf() bool {
	return n.leaf != nil
}

func (n *node[T]) addEdge(e edge[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= e.label
	})

	n.edges = append(n.edges, edge[T]{})
	copy(n.edges[idx+1:], n.edges[idx:])
	n.edges[idx] = e
}

func (n *node[T]) updateEdge(label byte, node *node[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		n.edges[idx].node = node
		return
	}
	panic("radix: replacing missing edge")
}

func (n *node[T]) getEdge(label byte) *node[T] {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		return n.edges[idx].node
	}
	return nil
}

func (n *node[T]) delEdge(label byte) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		copy(n.edges[idx:], n.edges[idx+1:])
		n.edges[len(n.edges)-1] = edge[T]{}
		n.edges = n.edges[:len(n.edges)-1]
	}
}

func (n *node[T]) mergeChild() {
	e := n.edges[0]
	child := e.node
	n.prefix = n.prefix + child.prefix
	n.leaf = child.leaf
	n.edges = child.edges
}

type edges[T any] []edge[T]

func (e edges[T]) Len() int           { return len(e) }
func (e edges[T]) Less(i, j int) bool { return e[i].label < e[j].label }
func (e edges[T]) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }

// Tree is a radix tree keyed by string, giving ProxyRegistry O(key
// length) point operations plus DeletePrefix for dropping every proxy
// under a node prefix in one call (proxy_registry.go's EraseAll).
type Tree[T any] struct {
	root *node[T]
	size int
}

func NewTree[T any]() *Tree[T] {
	return &Tree[T]{root: &node[T]{}}
}

func (t *Tree[T]) Len() int {
	return t.size
}

func longestPrefix(k1, k2 string) int {
	max := len(k1)
	if l := len(k2); l < max {
		max = l
	}
	var i int
	for i = 0; i < max; i++ {
		if k1[i] != k2[i] {
			break
		}
	}
	return i
}

// Insert adds or updates the value at key s, reporting the previous
// value if one was replaced.
func (t *Tree[T]) Insert(s string, v T) (old T, updated bool) {
	var parent *node[T]
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if n.isLeaf() {
				old = n.leaf.val
				n.leaf.val = v
				return old, true
			}

			n.leaf = &leafNode[T]{key: s, val: v}
			t.size++
			return old, false
		}

		parent = n
		n = n.getEdge(search[0])

		if n == nil {
			e := edge[T]{
				label: search[0],
				node: &node[T]{
					leaf:   &leafNode[T]{key: s, val: v},
					prefix: search,
				},
			}
			parent.addEdge(e)
			t.size++
			return old, false
		}

		commonPrefix := longestPrefix(search, n.prefix)
		if commonPrefix == len(n.prefix) {
			search = search[commonPrefix:]
			continue
		}

		t.size++
		child := &node[T]{
			prefix: search[:commonPrefix],
		}
		parent.updateEdge(search[0], child)

		child.addEdge(edge[T]{
			label: n.prefix[commonPrefix],
			node:  n,
		})
		n.prefix = n.prefix[commonPrefix:]

		leaf := &leafNode[T]{key: s, val: v}

		search = search[commonPrefix:]
		if len(search) == 0 {
			child.leaf = leaf
			return old, false
		}

		child.addEdge(edge[T]{
			label: search[0],
			node:  &node[T]{leaf: leaf, prefix: search},
		})
		return old, false
	}
}

// Delete removes the value at key s, reporting whether it was present.
func (t *Tree[T]) Delete(s string) (removed T, hasRemoved bool) {
	var parent *node[T]
	var label byte
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if !n.isLeaf() {
				return
			}
			goto DELETE
		}

		parent = n
		label = search[0]
		n = n.getEdge(label)
		if n == nil {
			return
		}

		if strings.HasPrefix(search, n.prefix) {
			search = search[len(n.prefix):]
		} else {
			return
		}
	}

DELETE:
	leaf := n.leaf
	n.leaf = nil
	t.size--

	if parent != nil && len(n.edges) == 0 {
		parent.delEdge(label)
	}

	if n != t.root && len(n.edges) == 1 {
		n.mergeChild()
	}

	if parent != nil && parent != t.root && len(parent.edges) == 1 && !parent.isLeaf() {
		parent.mergeChild()
	}

	return leaf.val, true
}

// DeletePrefix drops every key under prefix in one call, returning how
// many entries were removed. ProxyRegistry.EraseAll uses this to drop a
// departed node's entire proxy set at once instead of scanning for it.
func (t *Tree[T]) DeletePrefix(prefix string) int {
	return t.deletePrefix(nil, t.root, prefix)
}

func (t *Tree[T]) deletePrefix(parent, n *node[T], prefix string) int {
	if len(prefix) == 0 {
		subTreeSize := countLeaves(n)
		n.leaf = nil
		n.edges = nil

		if parent != nil && parent != t.root && len(parent.edges) == 1 && !parent.isLeaf() {
			parent.mergeChild()
		}
		t.size -= subTreeSize
		return subTreeSize
	}

	label := prefix[0]
	child := n.getEdge(label)
	if child == nil || (!strings.HasPrefix(child.prefix, prefix) && !strings.HasPrefix(prefix, child.prefix)) {
		return 0
	}

	if len(child.prefix) > len(prefix) {
		prefix = ""
	} else {
		prefix = prefix[len(child.prefix):]
	}
	return t.deletePrefix(n, child, prefix)
}

func countLeaves[T any](n *node[T]) int {
	count := 0
	if n.isLeaf() {
		count++
	}
	for _, e := range n.edges {
		count += countLeaves(e.node)
	}
	return count
}

// Get looks up the exact key s.
func (t *Tree[T]) Get(s string) (val T, found bool) {
	n := t.root
	search := s
	for {
		if len(search) == 0 {
			if n.isLeaf() {
				return n.leaf.val, true
			}
			return
		}

		n = n.getEdge(search[0])
		if n == nil {
			return
		}

		if strings.HasPrefix(search, n.prefix) {
			search = search[len(n.prefix):]
		} else {
			return
		}
	}
}
