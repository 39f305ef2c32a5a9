package rangegraph

import "fmt"

// treeWays is the fan-out of the segment tree.
const treeWays = 2

// TreeNode is one node of the segment tree. It owns the contiguous id
// interval [Lbound, Rbound]. Nodes live in an index-keyed arena
// (SegmentTree.Nodes); Children holds arena indices.
type TreeNode struct {
	Lbound   int32
	Rbound   int32
	Depth    int32
	Children []int32
}

func (u *TreeNode) leaf() bool {
	return len(u.Children) == 0
}

func (u *TreeNode) contains(id int32) bool {
	return u.Lbound <= id && id <= u.Rbound
}

// size returns the number of ids in the node's interval.
func (u *TreeNode) size() int32 {
	return u.Rbound - u.Lbound + 1
}

// SegmentTree is a static binary tree over the id range [0, N-1]. The
// children of every non-leaf partition its interval exactly, with any
// split remainder absorbed by the leftmost children. The tree is built
// once and never mutated, so it is freely shareable across goroutines.
type SegmentTree struct {
	Nodes    []TreeNode
	MaxDepth int32
}

// NewSegmentTree builds the tree over n points.
func NewSegmentTree(n int) (*SegmentTree, error) {
	if n <= 0 {
		return nil, fmt.Errorf("segment tree needs at least one point, got %d", n)
	}
	t := &SegmentTree{Nodes: make([]TreeNode, 0, 2*n)}
	t.grow(0, int32(n-1), 0)
	return t, nil
}

// grow appends the node covering [l, r] at depth and recurses into its
// children. It returns the node's arena index.
func (t *SegmentTree) grow(l, r, depth int32) int32 {
	id := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, TreeNode{Lbound: l, Rbound: r, Depth: depth})
	if depth > t.MaxDepth {
		t.MaxDepth = depth
	}
	if l == r {
		return id
	}
	gap := (r - l + 1) / treeWays
	res := (r - l + 1) % treeWays
	children := make([]int32, 0, treeWays)
	for cl := l; cl <= r; {
		cr := cl + gap - 1
		if res > 0 {
			cr++
			res--
		}
		if cr > r {
			cr = r
		}
		children = append(children, t.grow(cl, cr, depth+1))
		cl = cr + 1
	}
	t.Nodes[id].Children = children
	return id
}

// Root returns the root node, which covers [0, N-1].
func (t *SegmentTree) Root() *TreeNode {
	return &t.Nodes[0]
}

// RangeFilter returns the minimal set of tree nodes whose intervals
// are pairwise disjoint, fully contained in [ql, qr], and whose union
// is [ql, qr] ∩ [0, N-1]. Nodes are emitted left to right; callers
// must not depend on the order.
func (t *SegmentTree) RangeFilter(ql, qr int32) []*TreeNode {
	var res []*TreeNode
	t.rangeFilter(0, ql, qr, &res)
	return res
}

func (t *SegmentTree) rangeFilter(id, ql, qr int32, res *[]*TreeNode) {
	u := &t.Nodes[id]
	if u.Lbound >= ql && u.Rbound <= qr {
		*res = append(*res, u)
		return
	}
	if u.Lbound > qr || u.Rbound < ql {
		return
	}
	for _, c := range u.Children {
		t.rangeFilter(c, ql, qr, res)
	}
}

// childToward returns the child of u whose interval contains id, or
// nil if u is a leaf.
func (t *SegmentTree) childToward(u *TreeNode, id int32) *TreeNode {
	for _, c := range u.Children {
		if t.Nodes[c].contains(id) {
			return &t.Nodes[c]
		}
	}
	return nil
}

// overlap returns the size of [l, r] ∩ [ql, qr]. A non-positive value
// means the intervals are disjoint.
func overlap(l, r, ql, qr int32) int32 {
	return min(r, qr) - max(l, ql) + 1
}
