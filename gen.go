package rangegraph

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"

	"github.com/YuexuanXu7/iRangeGraph/heap"
)

// halvingFractions is how many halving range fractions the generator
// emits: suffixes 0..9 cover 2^0 .. 2^-9 of the dataset.
const halvingFractions = 10

// QueryGenerator synthesizes range workloads and exact groundtruth
// for a dataset.
type QueryGenerator struct {
	DataNb  int32
	QueryNb int32
	Rng     *rand.Rand
}

// GenerateRanges writes the per-suffix range files under prefix:
// suffix i holds QueryNb windows of width DataNb/2^i, and suffix 17
// mixes all ten widths.
func (g *QueryGenerator) GenerateRanges(prefix string) error {
	length := g.DataNb
	widths := make([]int32, 0, halvingFractions)
	for i := 0; i < halvingFractions; i++ {
		if length < halvingFractions {
			return fmt.Errorf("dataset of %d points is too small for %d halving fractions", g.DataNb, halvingFractions)
		}
		widths = append(widths, length)
		length /= 2
	}

	for i, width := range widths {
		path := fmt.Sprintf("%s%d.bin", prefix, i)
		slog.Info("saving query ranges", "path", path, "width", width)
		if err := saveAtomic(path, func(w io.Writer) error {
			return g.writeRanges(w, width, g.QueryNb)
		}); err != nil {
			return err
		}
	}

	path := prefix + "17.bin"
	slog.Info("saving query ranges", "path", path)
	return saveAtomic(path, func(w io.Writer) error {
		for _, width := range widths {
			if err := g.writeRanges(w, width, g.QueryNb/halvingFractions); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *QueryGenerator) writeRanges(w io.Writer, width, count int32) error {
	for i := int32(0); i < count; i++ {
		ql := g.Rng.Int31n(g.DataNb - width + 1)
		qr := ql + width - 1
		if qr >= g.DataNb {
			return fmt.Errorf("query range [%d, %d] out of bounds", ql, qr)
		}
		if err := writeInt32(w, ql); err != nil {
			return err
		}
		if err := writeInt32(w, qr); err != nil {
			return err
		}
	}
	return nil
}

// exactTopK collects the QueryK exact nearest ids among the eligible
// ids, ascending by distance, padding with -1 up to k.
func exactTopK(query []float32, eligible func(yield func(id int32)), vec func(int32) []float32, dist DistanceFunc, k int) []int32 {
	var best heap.Heap[Candidate]
	best.Init(make([]Candidate, 0, k+1))
	eligible(func(id int32) {
		best.Push(Candidate{Dist: dist(query, vec(id)), ID: id})
		if best.Len() > k {
			best.PopLast()
		}
	})

	ids := make([]int32, 0, k)
	for _, c := range best.Slice() {
		ids = append(ids, c.ID)
	}
	for len(ids) < k {
		ids = append(ids, -1)
	}
	return ids
}

// GenerateGroundtruth writes, for every loaded range suffix, the exact
// top-QueryK ids inside each query's window.
func (g *QueryGenerator) GenerateGroundtruth(prefix string, ds *Dataset, dist DistanceFunc) error {
	for _, suffix := range rangeSuffixes {
		ranges, ok := ds.QueryRanges[suffix]
		if !ok {
			continue
		}
		path := prefix + suffix + ".bin"
		slog.Info("generating groundtruth", "path", path)
		err := saveAtomic(path, func(w io.Writer) error {
			for qid, r := range ranges {
				ids := exactTopK(ds.Queries[qid], func(yield func(id int32)) {
					for id := r.Ql; id <= r.Qr; id++ {
						yield(id)
					}
				}, func(id int32) []float32 { return ds.Data[id] }, dist, ds.QueryK)
				if err := writeInt32s(w, ids); err != nil {
					return fmt.Errorf("writing groundtruth for query %d: %w", qid, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Synthesize2DRanges writes prefix+"mixed.bin": QueryNb random
// two-attribute constraint quads whose bounds are drawn uniformly from
// [0, DataNb); the loaded attribute values are not consulted.
func (ds *Dataset) Synthesize2DRanges(prefix string, rng *rand.Rand) error {
	path := prefix + "mixed.bin"
	slog.Info("synthesizing 2-D ranges", "path", path)
	return saveAtomic(path, func(w io.Writer) error {
		for i := int32(0); i < ds.QueryNb; i++ {
			quad := make([]int32, 4)
			for j := 0; j < 4; j++ {
				quad[j] = rng.Int31n(ds.DataNb)
			}
			if quad[0] > quad[1] {
				quad[0], quad[1] = quad[1], quad[0]
			}
			if quad[2] > quad[3] {
				quad[2], quad[3] = quad[3], quad[2]
			}
			if err := writeInt32s(w, quad); err != nil {
				return err
			}
		}
		return nil
	})
}

// GenerateGroundtruthMulti writes exact groundtruth for every loaded
// constraint domain, scanning all points against all attribute
// constraints. Groundtruth ids are original ids; short result sets are
// padded with -1.
func (ds *Dataset) GenerateGroundtruthMulti(prefix string, dist DistanceFunc) error {
	for domain, cons := range ds.Constraints {
		path := prefix + domain + ".bin"
		slog.Info("generating groundtruth", "path", path, "domain", domain)
		err := saveAtomic(path, func(w io.Writer) error {
			for qid, c := range cons {
				ids := exactTopK(ds.Queries[qid], func(yield func(id int32)) {
					for pid := int32(0); pid < ds.DataNb; pid++ {
						ok := true
						for j, r := range c.Ranges {
							if ds.Attributes[pid][j] < r.Ql || ds.Attributes[pid][j] > r.Qr {
								ok = false
								break
							}
						}
						if ok {
							yield(pid)
						}
					}
				}, func(id int32) []float32 { return ds.Data[id] }, dist, ds.QueryK)
				if err := writeInt32s(w, ids); err != nil {
					return fmt.Errorf("writing groundtruth for query %d: %w", qid, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
