package rangegraph

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/chewxy/math32"

	"github.com/YuexuanXu7/iRangeGraph/heap"
)

// DefaultMaxStep caps how many consecutive out-of-range points a
// multi-attribute search may traverse before the probability gate
// shuts.
const DefaultMaxStep = 20

// MultiOptions tunes the multi-attribute searcher.
type MultiOptions struct {
	// MaxStep is the hard cutoff of the out-of-range hop gate;
	// DefaultMaxStep if zero.
	MaxStep int
	// PurePost disables the probability gate entirely: every in-window
	// neighbor is traversed and filtering is purely post-hoc.
	PurePost bool
}

// MultiSearcher answers k-NN queries constrained on several attribute
// ranges at once. The primary attribute's constraint arrives already
// bisected into the id-space window; the remaining constraints are
// checked against the original points, and the walk may pass through a
// bounded number of consecutive violating points to escape dead ends.
type MultiSearcher struct {
	*Index

	ds          *Dataset
	maxStep     int
	purePost    bool
	probability []float64
}

// stepCandidate labels a queue entry with its consecutive
// out-of-range hop count. step is -1 for entries that satisfied every
// constraint when enqueued.
type stepCandidate struct {
	Candidate
	step int
}

func (c stepCandidate) Less(o stepCandidate) bool {
	return c.Candidate.Less(o.Candidate)
}

// multiEdge is a neighbor yielded by the multi-attribute edge
// selection, tagged with its constraint status.
type multiEdge struct {
	id      int32
	inRange bool
}

// NewMultiSearcher loads an index file over an attribute-sorted
// dataset. ds must have been through SortByAttr, with all attribute
// columns loaded.
func NewMultiSearcher(indexPath string, ds *Dataset, m int, dist DistanceFunc, opts MultiOptions) (*MultiSearcher, error) {
	if ds.AttrNb == 0 {
		return nil, fmt.Errorf("dataset has no attributes loaded")
	}
	if ds.OriginalID == nil {
		return nil, fmt.Errorf("dataset is not sorted by its primary attribute")
	}
	ix, err := OpenIndexWithData(indexPath, ds, m, dist)
	if err != nil {
		return nil, err
	}

	ms := &MultiSearcher{
		Index:    ix,
		ds:       ds,
		maxStep:  opts.MaxStep,
		purePost: opts.PurePost,
	}
	if ms.maxStep <= 0 {
		ms.maxStep = DefaultMaxStep
	}
	ms.probability = make([]float64, ms.maxStep)
	for x := range ms.probability {
		ms.probability[x] = float64(1 / (1 + math32.Exp(float32(x))))
	}
	return ms, nil
}

// inQueryRange reports whether the original point behind pid satisfies
// every attribute constraint. All attributes are checked, the primary
// one included.
func (ms *MultiSearcher) inQueryRange(pid int32, cons []Range) bool {
	orig := ms.ds.OriginalID[pid]
	attrs := ms.ds.Attributes[orig]
	for i, r := range cons {
		if attrs[i] < r.Ql || attrs[i] > r.Qr {
			return false
		}
	}
	return true
}

// admit rolls the probability gate for a hop that would be the x-th
// consecutive out-of-range step.
func (ms *MultiSearcher) admit(rng *rand.Rand, x int) bool {
	if ms.purePost {
		return true
	}
	if x >= ms.maxStep {
		return false
	}
	return rng.Float64() < ms.probability[x]
}

// selectEdgeMulti mirrors selectEdge but yields (id, inRange) pairs
// and applies the probability gate to out-of-range neighbors, using
// the popped entry's step count.
func (ms *MultiSearcher) selectEdgeMulti(rng *rand.Rand, pid, ql, qr int32, edgeLimit int, cons []Range, currentStep int) []multiEdge {
	selected := make([]multiEdge, 0, edgeLimit)

	cur, nxt := (*TreeNode)(nil), ms.Tree.Root()
	for {
		cur = nxt
		for !cur.leaf() {
			nxt = ms.Tree.childToward(cur, pid)
			if overlap(cur.Lbound, cur.Rbound, ql, qr) != overlap(nxt.Lbound, nxt.Rbound, ql, qr) {
				break
			}
			cur = nxt
		}

		slot := ms.linklist(pid, cur.Depth)
		for _, nb := range slot[1 : 1+slot[0]] {
			if nb < ql || nb > qr {
				continue
			}
			inRange := ms.inQueryRange(nb, cons)
			if !inRange && !ms.admit(rng, currentStep+1) {
				continue
			}
			selected = append(selected, multiEdge{id: nb, inRange: inRange})
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

// SearchMulti returns the k approximate nearest neighbors of query
// that satisfy every constraint in cons, ascending by distance, in
// original id space. [ql, qr] is the bisected id-space window of the
// primary constraint; an inverted window means no point satisfies the
// primary constraint and the result is empty.
func (ms *MultiSearcher) SearchMulti(rng *rand.Rand, query []float32, ef, k int, ql, qr int32, edgeLimit int, cons []Range) ([]Candidate, error) {
	if ql > qr {
		return nil, nil
	}
	if err := ms.validateQuery(query, ef, k, ql, qr); err != nil {
		return nil, err
	}
	if len(cons) != ms.ds.AttrNb {
		return nil, fmt.Errorf("got %d constraints for %d attributes", len(cons), ms.ds.AttrNb)
	}
	if edgeLimit <= 0 {
		edgeLimit = int(ms.M)
	}

	filtered := ms.Tree.RangeFilter(ql, qr)
	visited := NewBitset(ms.N)

	var pool heap.Heap[stepCandidate]
	var top heap.Heap[Candidate]
	pool.Init(make([]stepCandidate, 0, ef))
	top.Init(make([]Candidate, 0, ef+1))

	for _, u := range filtered {
		pid := u.Lbound + rng.Int31n(u.size())
		visited.Set(pid)
		d := ms.Distance(query, ms.vector(pid))
		step := 0
		if ms.inQueryRange(pid, cons) {
			top.Push(Candidate{Dist: d, ID: ms.ds.OriginalID[pid]})
			step = -1
		}
		pool.Push(stepCandidate{Candidate: Candidate{Dist: d, ID: pid}, step: step})
	}
	lowerBound := float32(math32.MaxFloat32)

	for pool.Len() > 0 {
		current := pool.Min()
		ms.metricHops.Add(1)
		if current.Dist > lowerBound {
			break
		}
		pool.Pop()

		selected := ms.selectEdgeMulti(rng, current.ID, ql, qr, edgeLimit, cons, current.step)
		for _, edge := range selected {
			if visited.Get(edge.id) {
				continue
			}
			visited.Set(edge.id)
			d := ms.Distance(query, ms.vector(edge.id))
			ms.metricDistComputations.Add(1)

			if top.Len() < ef || d < lowerBound {
				nextStep := current.step + 1
				if edge.inRange {
					top.Push(Candidate{Dist: d, ID: ms.ds.OriginalID[edge.id]})
					nextStep = -1
				}
				pool.Push(stepCandidate{Candidate: Candidate{Dist: d, ID: edge.id}, step: nextStep})

				if top.Len() > ef {
					top.PopLast()
				}
				if top.Len() > 0 {
					lowerBound = top.Max().Dist
				}
			}
		}
	}

	for top.Len() > k {
		top.PopLast()
	}
	return slices.Clone(top.Slice()), nil
}
