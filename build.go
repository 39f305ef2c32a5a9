package rangegraph

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/YuexuanXu7/iRangeGraph/heap"
)

// Candidate pairs a point id with its distance to some reference
// vector. Ties are broken by id so that heaps order deterministically.
type Candidate struct {
	Dist float32
	ID   int32
}

func (c Candidate) Less(o Candidate) bool {
	return c.Dist < o.Dist || (c.Dist == o.Dist && c.ID < o.ID)
}

// pruneCandidate carries the sticky origin flag through the prune
// heap: old candidates were inherited from a deeper layer and are
// treated as pre-committed.
type pruneCandidate struct {
	Candidate
	old bool
}

func (c pruneCandidate) Less(o pruneCandidate) bool {
	return c.Candidate.Less(o.Candidate)
}

// entrySamples is how many random entry points seed each greedy search
// during construction.
const entrySamples = 3

// BuildConfig holds the construction parameters.
type BuildConfig struct {
	// M is the maximum out-degree per point and layer.
	M int
	// EfConstruction is the beam width of the greedy searches that
	// stitch child graphs together.
	EfConstruction int
	// Threads bounds the number of tree nodes processed concurrently
	// within one layer.
	Threads int
	// Seed makes construction reproducible: every tree node derives
	// its own RNG from it, so layer parallelism cannot reorder
	// sampling.
	Seed int64
	// Distance defaults to EuclideanDistance.
	Distance DistanceFunc
}

// Builder constructs the layered proximity graph over a dataset that
// is already sorted by its primary attribute.
type Builder struct {
	cfg  BuildConfig
	ds   *Dataset
	tree *SegmentTree

	// edges[pid][depth] is the neighbor list of pid at that tree
	// depth, ascending by distance.
	edges [][][]Candidate

	// reverse is the per-target back-edge scratch. During one
	// processNode call only that node's worker touches the slots in
	// its interval.
	reverse [][]Candidate

	// visited is the stamped visited pool shared by all workers;
	// stamps are handed out under tagMu and points of concurrently
	// processed nodes never overlap.
	visited    []uint64
	visitedTag uint64
	tagMu      sync.Mutex
}

// NewBuilder validates cfg and prepares a builder over ds.
func NewBuilder(ds *Dataset, cfg BuildConfig) (*Builder, error) {
	if cfg.M <= 0 {
		return nil, fmt.Errorf("M must be greater than 0, got %d", cfg.M)
	}
	if cfg.EfConstruction <= 0 {
		return nil, fmt.Errorf("ef_construction must be greater than 0, got %d", cfg.EfConstruction)
	}
	if cfg.Threads <= 0 {
		return nil, fmt.Errorf("threads must be greater than 0, got %d", cfg.Threads)
	}
	if cfg.Distance == nil {
		cfg.Distance = EuclideanDistance
	}
	if ds.DataNb == 0 || len(ds.Data) == 0 {
		return nil, fmt.Errorf("dataset has no vectors")
	}

	tree, err := NewSegmentTree(int(ds.DataNb))
	if err != nil {
		return nil, err
	}

	b := &Builder{
		cfg:     cfg,
		ds:      ds,
		tree:    tree,
		edges:   make([][][]Candidate, ds.DataNb),
		reverse: make([][]Candidate, ds.DataNb),
		visited: make([]uint64, ds.DataNb),
	}
	for pid := range b.edges {
		b.edges[pid] = make([][]Candidate, tree.MaxDepth+1)
	}
	return b, nil
}

// Tree returns the segment tree the graph is layered on.
func (b *Builder) Tree() *SegmentTree {
	return b.tree
}

func (b *Builder) dist(a, c int32) float32 {
	return b.cfg.Distance(b.ds.Data[a], b.ds.Data[c])
}

func (b *Builder) nextTag() uint64 {
	b.tagMu.Lock()
	defer b.tagMu.Unlock()
	b.visitedTag++
	return b.visitedTag
}

// Build populates every layer bottom-up. Within a layer, tree nodes
// own disjoint point intervals and are processed in parallel; layers
// are strict barriers.
func (b *Builder) Build() error {
	levels := make([][]int32, b.tree.MaxDepth+1)
	for id := range b.tree.Nodes {
		d := b.tree.Nodes[id].Depth
		levels[d] = append(levels[d], int32(id))
	}

	start := time.Now()
	for depth := b.tree.MaxDepth; depth >= 0; depth-- {
		slog.Info("building layer", "depth", depth, "nodes", len(levels[depth]))

		var wg sync.WaitGroup
		sem := make(chan struct{}, b.cfg.Threads)
		for _, nid := range levels[depth] {
			wg.Add(1)
			sem <- struct{}{}
			go func(nid int32) {
				defer wg.Done()
				defer func() { <-sem }()
				rng := rand.New(rand.NewSource(b.cfg.Seed ^ (int64(nid)+1)*0x9e3779b9))
				b.processNode(&b.tree.Nodes[nid], rng)
			}(nid)
		}
		wg.Wait()
	}
	slog.Info("construction done", "elapsed", time.Since(start))
	return nil
}

// processNode populates N(p, u.Depth) for every p in u's interval by
// merging u's children left to right: the first child's lists are
// copied up, then each further child is stitched onto the merged
// prefix with greedy searches, a diversification prune, and reverse
// back-edges into the prefix.
func (b *Builder) processNode(u *TreeNode, rng *rand.Rand) {
	if u.leaf() {
		return
	}

	first := &b.tree.Nodes[u.Children[0]]
	for pid := first.Lbound; pid <= first.Rbound; pid++ {
		b.edges[pid][u.Depth] = slices.Clone(b.edges[pid][first.Depth])
	}

	merged := first.size()
	for i := 1; i < len(u.Children); i++ {
		child := &b.tree.Nodes[u.Children[i]]

		for pid := child.Lbound; pid <= child.Rbound; pid++ {
			enter := make([]int32, 0, entrySamples)
			for j := 0; j < entrySamples && j < int(merged); j++ {
				enter = append(enter, u.Lbound+rng.Int31n(merged))
			}
			found := b.searchIncomplete(u, b.ds.Data[pid], b.cfg.EfConstruction, enter)
			b.edges[pid][u.Depth] = b.pruneHeuristic(b.edges[pid][child.Depth], found)
		}

		for j := int32(0); j < merged; j++ {
			b.reverse[u.Lbound+j] = b.reverse[u.Lbound+j][:0]
		}
		for pid := child.Lbound; pid <= child.Rbound; pid++ {
			for _, nb := range b.edges[pid][u.Depth] {
				if nb.ID < child.Lbound {
					b.reverse[nb.ID] = append(b.reverse[nb.ID], Candidate{Dist: nb.Dist, ID: pid})
				}
			}
		}
		for j := int32(0); j < merged; j++ {
			pid := u.Lbound + j
			b.edges[pid][u.Depth] = b.pruneHeuristic(b.edges[pid][u.Depth], b.reverse[pid])
		}

		merged += child.size()
	}
}

// searchIncomplete runs a best-first search at u's depth over the
// edges present so far, returning up to ef candidates ascending by
// distance. Zero-degree points simply fail to expand.
func (b *Builder) searchIncomplete(u *TreeNode, query []float32, ef int, enter []int32) []Candidate {
	tag := b.nextTag()

	var pool, candidates heap.Heap[Candidate]
	pool.Init(make([]Candidate, 0, ef))
	candidates.Init(make([]Candidate, 0, ef+1))

	for _, pid := range enter {
		d := b.cfg.Distance(query, b.ds.Data[pid])
		b.visited[pid] = tag
		pool.Push(Candidate{Dist: d, ID: pid})
		candidates.Push(Candidate{Dist: d, ID: pid})
	}
	if candidates.Len() == 0 {
		return nil
	}
	lowerBound := candidates.Max().Dist

	for pool.Len() > 0 {
		current := pool.Min()
		if current.Dist > lowerBound {
			break
		}
		pool.Pop()

		for _, nb := range b.edges[current.ID][u.Depth] {
			if b.visited[nb.ID] == tag {
				continue
			}
			b.visited[nb.ID] = tag
			d := b.cfg.Distance(query, b.ds.Data[nb.ID])
			if candidates.Len() < ef || d < lowerBound {
				c := Candidate{Dist: d, ID: nb.ID}
				candidates.Push(c)
				pool.Push(c)
				if candidates.Len() > ef {
					candidates.PopLast()
				}
				lowerBound = candidates.Max().Dist
			}
		}
	}

	return slices.Clone(candidates.Slice())
}

// pruneHeuristic merges a pre-committed oldList (neighbors inherited
// from a deeper layer) with fresh candidates and keeps at most M of
// them, admitting a candidate only if no already-kept neighbor is
// strictly closer to it than the candidate is to the reference point.
// The diversification check is skipped between two old-list entries,
// so lower-layer connectivity survives the merge. When both lists
// together hold at most M entries, all of them are returned in
// distance order without the diversification check.
func (b *Builder) pruneHeuristic(oldList, newList []Candidate) []Candidate {
	var queue heap.Heap[pruneCandidate]
	queue.Init(make([]pruneCandidate, 0, len(oldList)+len(newList)))
	for _, c := range oldList {
		queue.Push(pruneCandidate{Candidate: c, old: true})
	}
	for _, c := range newList {
		queue.Push(pruneCandidate{Candidate: c})
	}

	if queue.Len() <= b.cfg.M {
		out := make([]Candidate, 0, queue.Len())
		for _, c := range queue.Slice() {
			out = append(out, c.Candidate)
		}
		return out
	}

	kept := make([]pruneCandidate, 0, b.cfg.M)
	for queue.Len() > 0 && len(kept) < b.cfg.M {
		current := queue.Pop()
		good := true
		for _, x := range kept {
			if current.old && x.old {
				continue
			}
			if b.dist(current.ID, x.ID) < current.Dist {
				good = false
				break
			}
		}
		if good {
			kept = append(kept, current)
		}
	}

	out := make([]Candidate, 0, len(kept))
	for _, c := range kept {
		out = append(out, c.Candidate)
	}
	return out
}

// exportEdges writes the neighbor lists in index file order: for every
// point, for every depth, an int32 size followed by size int32 ids.
func (b *Builder) exportEdges(w io.Writer) error {
	for pid := int32(0); pid < b.ds.DataNb; pid++ {
		for depth := int32(0); depth <= b.tree.MaxDepth; depth++ {
			list := b.edges[pid][depth]
			if len(list) > b.cfg.M {
				return fmt.Errorf("point %d depth %d: list size %d exceeds M=%d", pid, depth, len(list), b.cfg.M)
			}
			if err := writeInt32(w, int32(len(list))); err != nil {
				return fmt.Errorf("writing list size for point %d: %w", pid, err)
			}
			for _, nb := range list {
				if err := writeInt32(w, nb.ID); err != nil {
					return fmt.Errorf("writing neighbor of point %d: %w", pid, err)
				}
			}
		}
	}
	return nil
}

// SaveIndex atomically writes the index file for the built graph.
func (b *Builder) SaveIndex(path string) error {
	return saveAtomic(path, b.exportEdges)
}

// BuildAndSave builds the graph and writes the index file.
func (b *Builder) BuildAndSave(path string) error {
	if err := b.Build(); err != nil {
		return err
	}
	return b.SaveIndex(path)
}
