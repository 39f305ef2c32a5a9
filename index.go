package rangegraph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Index is the read-only serving form of the graph. Neighbor lists and
// vectors live in two flat slabs indexed by internal id, so linklist
// and vector addressing is constant-time offset arithmetic:
//
//   - links: per point, maxDepth+1 slots of (1 count + M ids) int32s,
//     the per-point stride padded to a multiple of 32 bytes so the
//     layers of one point share adjacent cache lines;
//   - vectors: per point, the vector padded to a multiple of 8 floats.
//
// An Index is immutable after load and safe for concurrent searches.
type Index struct {
	Tree     *SegmentTree
	Distance DistanceFunc

	N   int32
	Dim int32
	M   int32

	linksPerLayer int32
	linksPerElem  int32
	paddedDim     int32

	links   []int32
	vectors []float32

	metricDistComputations atomic.Uint64
	metricHops             atomic.Uint64
}

// SearchMetrics is a snapshot of the per-index search counters.
type SearchMetrics struct {
	DistanceComputations uint64
	Hops                 uint64
}

// Metrics returns the counters accumulated since the last reset.
func (ix *Index) Metrics() SearchMetrics {
	return SearchMetrics{
		DistanceComputations: ix.metricDistComputations.Load(),
		Hops:                 ix.metricHops.Load(),
	}
}

// ResetMetrics zeroes the search counters.
func (ix *Index) ResetMetrics() {
	ix.metricDistComputations.Store(0)
	ix.metricHops.Store(0)
}

func newIndex(n, dim int32, m int, dist DistanceFunc) (*Index, error) {
	if m <= 0 {
		return nil, fmt.Errorf("M must be greater than 0, got %d", m)
	}
	if dist == nil {
		dist = EuclideanDistance
	}
	tree, err := NewSegmentTree(int(n))
	if err != nil {
		return nil, err
	}

	ix := &Index{
		Tree:     tree,
		Distance: dist,
		N:        n,
		Dim:      dim,
		M:        int32(m),
	}
	ix.linksPerLayer = ix.M + 1
	raw := ix.linksPerLayer * (tree.MaxDepth + 1)
	ix.linksPerElem = (raw + 7) / 8 * 8
	ix.paddedDim = (dim + 7) / 8 * 8

	ix.links = make([]int32, int64(n)*int64(ix.linksPerElem))
	ix.vectors = make([]float32, int64(n)*int64(ix.paddedDim))
	adviseHugePages(ix.links)
	adviseHugePages(ix.vectors)
	return ix, nil
}

// linklist returns the neighbor slot of pid at the given depth. The
// leading element is the list size, followed by the neighbor ids.
func (ix *Index) linklist(pid, depth int32) []int32 {
	off := pid*ix.linksPerElem + depth*ix.linksPerLayer
	return ix.links[off : off+ix.linksPerLayer]
}

// vector returns the vector of pid.
func (ix *Index) vector(pid int32) []float32 {
	off := pid * ix.paddedDim
	return ix.vectors[off : off+ix.Dim]
}

// loadEdges fills the link slab from an index file stream, checking
// the stored sizes against M.
func (ix *Index) loadEdges(r io.Reader) error {
	for pid := int32(0); pid < ix.N; pid++ {
		for depth := int32(0); depth <= ix.Tree.MaxDepth; depth++ {
			slot := ix.linklist(pid, depth)
			size, err := readInt32(r)
			if err != nil {
				return fmt.Errorf("reading list size of point %d depth %d: %w", pid, depth, err)
			}
			if size < 0 || size > ix.M {
				return fmt.Errorf("point %d depth %d: stored list size %d exceeds M=%d", pid, depth, size, ix.M)
			}
			slot[0] = size
			if size == 0 {
				continue
			}
			if err := readInt32s(r, slot[1:1+size]); err != nil {
				return fmt.Errorf("reading neighbors of point %d depth %d: %w", pid, depth, err)
			}
			for _, nb := range slot[1 : 1+size] {
				if nb < 0 || nb >= ix.N {
					return fmt.Errorf("point %d depth %d: neighbor id %d out of range", pid, depth, nb)
				}
			}
		}
	}
	return nil
}

// exportEdges writes the link slab back out in index file order.
// Loading then exporting an index file reproduces it byte for byte.
func (ix *Index) exportEdges(w io.Writer) error {
	for pid := int32(0); pid < ix.N; pid++ {
		for depth := int32(0); depth <= ix.Tree.MaxDepth; depth++ {
			slot := ix.linklist(pid, depth)
			if err := writeInt32s(w, slot[:1+slot[0]]); err != nil {
				return fmt.Errorf("writing point %d depth %d: %w", pid, depth, err)
			}
		}
	}
	return nil
}

// SaveIndex atomically writes the index file.
func (ix *Index) SaveIndex(path string) error {
	return saveAtomic(path, ix.exportEdges)
}

// OpenIndex loads an index from its vector file and index file. The
// vector file supplies the point count and dimensionality; m must
// match the M the index was built with.
func OpenIndex(vectorPath, indexPath string, m int, dist DistanceFunc) (*Index, error) {
	vf, err := os.Open(vectorPath)
	if err != nil {
		return nil, err
	}
	defer vf.Close()
	vr := bufio.NewReaderSize(vf, 1<<20)

	n, err := readInt32(vr)
	if err != nil {
		return nil, fmt.Errorf("reading point count from %s: %w", vectorPath, err)
	}
	dim, err := readInt32(vr)
	if err != nil {
		return nil, fmt.Errorf("reading dimension from %s: %w", vectorPath, err)
	}
	if n <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%s: invalid header (count=%d dim=%d)", vectorPath, n, dim)
	}

	ix, err := newIndex(n, dim, m, dist)
	if err != nil {
		return nil, err
	}

	ef, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	if err := ix.loadEdges(bufio.NewReaderSize(ef, 1<<20)); err != nil {
		return nil, err
	}

	for pid := int32(0); pid < n; pid++ {
		if err := readFloat32s(vr, ix.vector(pid)); err != nil {
			return nil, fmt.Errorf("reading vector %d from %s: %w", pid, vectorPath, err)
		}
	}
	return ix, nil
}

// OpenIndexWithData loads an index file and takes the vectors from an
// already-loaded (and, for attribute workloads, already-sorted)
// dataset instead of a vector file.
func OpenIndexWithData(indexPath string, ds *Dataset, m int, dist DistanceFunc) (*Index, error) {
	ix, err := newIndex(ds.DataNb, ds.Dim, m, dist)
	if err != nil {
		return nil, err
	}

	ef, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	if err := ix.loadEdges(bufio.NewReaderSize(ef, 1<<20)); err != nil {
		return nil, err
	}

	for pid := int32(0); pid < ds.DataNb; pid++ {
		copy(ix.vector(pid), ds.Data[pid])
	}
	return ix, nil
}
