package rangegraph

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/YuexuanXu7/iRangeGraph/heap"
)

// warmTargets is how many upcoming neighbor vectors a search touches
// ahead of the distance loop.
const warmTargets = 3

// selectEdge gathers up to edgeLimit unvisited neighbor ids of pid
// that lie inside [ql, qr]. It walks pid's root-to-leaf path top down,
// at each stop descending while the child's window overlap equals its
// parent's and reading the node where the overlap first shrinks, so
// edges come from the finest layer that loses nothing of the window.
// The walk ends once the current node's interval sits fully inside the
// window, or at pid's leaf.
func (ix *Index) selectEdge(pid, ql, qr int32, edgeLimit int, visited *Bitset) []int32 {
	selected := make([]int32, 0, edgeLimit)

	cur, nxt := (*TreeNode)(nil), ix.Tree.Root()
	for {
		cur = nxt
		for !cur.leaf() {
			nxt = ix.Tree.childToward(cur, pid)
			if overlap(cur.Lbound, cur.Rbound, ql, qr) != overlap(nxt.Lbound, nxt.Rbound, ql, qr) {
				break
			}
			cur = nxt
		}

		slot := ix.linklist(pid, cur.Depth)
		for _, nb := range slot[1 : 1+slot[0]] {
			if nb < ql || nb > qr || visited.Get(nb) {
				continue
			}
			selected = append(selected, nb)
			if len(selected) == edgeLimit {
				return selected
			}
		}

		if cur.Lbound >= ql && cur.Rbound <= qr {
			return selected
		}
		if cur.leaf() {
			return selected
		}
	}
}

// warm touches the first few selected neighbor vectors so the distance
// loop finds their leading cache lines resident.
func (ix *Index) warm(ids []int32) {
	for i := 0; i < len(ids) && i < warmTargets; i++ {
		_ = ix.vectors[ids[i]*ix.paddedDim]
	}
}

func (ix *Index) validateQuery(query []float32, ef, k int, ql, qr int32) error {
	if k <= 0 {
		return fmt.Errorf("k must be greater than 0, got %d", k)
	}
	if ef < k {
		return fmt.Errorf("ef must be at least k, got ef=%d k=%d", ef, k)
	}
	if int32(len(query)) != ix.Dim {
		return fmt.Errorf("query dimension mismatch: %d != %d", len(query), ix.Dim)
	}
	if ql < 0 || qr >= ix.N || ql > qr {
		return fmt.Errorf("window [%d, %d] out of bounds for %d points", ql, qr, ix.N)
	}
	return nil
}

// SearchRange returns the k approximate nearest neighbors of query
// among the points with ids in [ql, qr], ascending by distance. Ids
// are internal (post-sort) ids. rng supplies the entry-point sampling;
// a fixed-seed rng makes the search reproducible.
func (ix *Index) SearchRange(rng *rand.Rand, query []float32, ef, k int, ql, qr int32, edgeLimit int) ([]Candidate, error) {
	if err := ix.validateQuery(query, ef, k, ql, qr); err != nil {
		return nil, err
	}
	if edgeLimit <= 0 {
		edgeLimit = int(ix.M)
	}

	filtered := ix.Tree.RangeFilter(ql, qr)
	visited := NewBitset(ix.N)

	var pool, top heap.Heap[Candidate]
	pool.Init(make([]Candidate, 0, ef))
	top.Init(make([]Candidate, 0, ef+1))

	for _, u := range filtered {
		pid := u.Lbound + rng.Int31n(u.size())
		visited.Set(pid)
		d := ix.Distance(query, ix.vector(pid))
		pool.Push(Candidate{Dist: d, ID: pid})
		top.Push(Candidate{Dist: d, ID: pid})
	}
	if top.Len() == 0 {
		return nil, nil
	}
	lowerBound := top.Max().Dist

	for pool.Len() > 0 {
		current := pool.Min()
		ix.metricHops.Add(1)
		if current.Dist > lowerBound {
			break
		}
		pool.Pop()

		selected := ix.selectEdge(current.ID, ql, qr, edgeLimit, visited)
		ix.warm(selected)
		for _, nb := range selected {
			if visited.Get(nb) {
				continue
			}
			visited.Set(nb)
			d := ix.Distance(query, ix.vector(nb))
			ix.metricDistComputations.Add(1)

			if top.Len() < ef {
				pool.Push(Candidate{Dist: d, ID: nb})
				top.Push(Candidate{Dist: d, ID: nb})
				lowerBound = top.Max().Dist
			} else if d < lowerBound {
				pool.Push(Candidate{Dist: d, ID: nb})
				top.Push(Candidate{Dist: d, ID: nb})
				top.PopLast()
				lowerBound = top.Max().Dist
			}
		}
	}

	for top.Len() > k {
		top.PopLast()
	}
	return slices.Clone(top.Slice()), nil
}
