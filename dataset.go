package rangegraph

import (
	"bufio"
	"fmt"
	"os"
	"sort"
)

// rangeSuffixes names the per-query range files produced by the range
// generator: suffixes 0..9 are halving range fractions (2^0 .. 2^-9 of
// the dataset), 17 mixes all of them.
var rangeSuffixes = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "17"}

// Range is an inclusive window. Depending on context it is either an
// id-space window over the sorted dataset or a raw attribute
// constraint.
type Range struct {
	Ql, Qr int32
}

// AttrConstraint is one multi-attribute query: one Range per loaded
// attribute, in attribute order.
type AttrConstraint struct {
	Ranges []Range
}

// Dataset holds the vectors, attributes, query workload and
// groundtruth of one experiment. All loaders read the flat
// little-endian binary formats shared with the index files.
type Dataset struct {
	Dim    int32
	DataNb int32
	Data   [][]float32

	QueryNb int32
	QueryK  int
	Queries [][]float32

	// AttrNb counts the loaded attribute columns. Attributes is keyed
	// by original (pre-sort) id.
	AttrNb     int
	Attributes [][]int32

	// OriginalID maps internal (post-sort) ids back to original ids.
	// It is nil until SortByAttr runs.
	OriginalID []int32

	// QueryRanges holds id-space windows per range suffix or domain.
	// Constraints holds raw attribute constraints per domain (multi-
	// attribute workloads only).
	QueryRanges map[string][]Range
	Constraints map[string][]AttrConstraint
	Groundtruth map[string][][]int32
}

// LoadData reads a dataset vector file: int32 count, int32 dimension,
// then count × dimension float32 values.
func (ds *Dataset) LoadData(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	if ds.DataNb, err = readInt32(r); err != nil {
		return fmt.Errorf("reading point count from %s: %w", path, err)
	}
	dim, err := readInt32(r)
	if err != nil {
		return fmt.Errorf("reading dimension from %s: %w", path, err)
	}
	if ds.DataNb <= 0 || dim <= 0 {
		return fmt.Errorf("%s: invalid header (count=%d dim=%d)", path, ds.DataNb, dim)
	}
	if ds.Dim != 0 && dim != ds.Dim {
		return fmt.Errorf("%s: dataset dimension %d does not match loaded dimension %d", path, dim, ds.Dim)
	}
	ds.Dim = dim

	ds.Data = make([][]float32, ds.DataNb)
	for i := range ds.Data {
		ds.Data[i] = make([]float32, ds.Dim)
		if err := readFloat32s(r, ds.Data[i]); err != nil {
			return fmt.Errorf("reading vector %d from %s: %w", i, path, err)
		}
	}
	ds.Attributes = make([][]int32, ds.DataNb)
	return nil
}

// LoadQueries reads the query vector file. The format matches the
// dataset vector file.
func (ds *Dataset) LoadQueries(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	if ds.QueryNb, err = readInt32(r); err != nil {
		return fmt.Errorf("reading query count from %s: %w", path, err)
	}
	dim, err := readInt32(r)
	if err != nil {
		return fmt.Errorf("reading dimension from %s: %w", path, err)
	}
	if ds.Dim != 0 && dim != ds.Dim {
		return fmt.Errorf("%s: query dimension %d does not match dataset dimension %d", path, dim, ds.Dim)
	}
	ds.Dim = dim

	ds.Queries = make([][]float32, ds.QueryNb)
	for i := range ds.Queries {
		ds.Queries[i] = make([]float32, dim)
		if err := readFloat32s(r, ds.Queries[i]); err != nil {
			return fmt.Errorf("reading query %d from %s: %w", i, path, err)
		}
	}
	return nil
}

// LoadAttribute appends one attribute column read from path: DataNb
// int32 values in dataset order. LoadData must have run first.
// Attribute columns must be loaded in order, primary attribute first.
func (ds *Dataset) LoadAttribute(path string) error {
	if ds.DataNb == 0 {
		return fmt.Errorf("loading attribute %s before dataset vectors", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	for i := int32(0); i < ds.DataNb; i++ {
		v, err := readInt32(r)
		if err != nil {
			return fmt.Errorf("reading attribute %d from %s: %w", i, path, err)
		}
		ds.Attributes[i] = append(ds.Attributes[i], v)
	}
	ds.AttrNb++
	return nil
}

// LoadQueryRanges reads the per-suffix range files
// prefix+<suffix>+".bin", each holding QueryNb (ql, qr) int32 pairs of
// id-space windows. LoadQueries must have run first.
func (ds *Dataset) LoadQueryRanges(prefix string) error {
	if ds.QueryRanges == nil {
		ds.QueryRanges = make(map[string][]Range)
	}
	for _, suffix := range rangeSuffixes {
		path := prefix + suffix + ".bin"
		ranges, err := readRangeFile(path, ds.QueryNb)
		if err != nil {
			return err
		}
		ds.QueryRanges[suffix] = ranges
	}
	return nil
}

func readRangeFile(path string, n int32) ([]Range, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	ranges := make([]Range, n)
	for i := range ranges {
		if ranges[i].Ql, err = readInt32(r); err != nil {
			return nil, fmt.Errorf("reading range %d from %s: %w", i, path, err)
		}
		if ranges[i].Qr, err = readInt32(r); err != nil {
			return nil, fmt.Errorf("reading range %d from %s: %w", i, path, err)
		}
	}
	return ranges, nil
}

// LoadGroundtruth reads prefix+<key>+".bin" for every loaded range key:
// QueryNb × QueryK int32 ids, padded with -1 where fewer than QueryK
// points are eligible.
func (ds *Dataset) LoadGroundtruth(prefix string) error {
	if ds.QueryK <= 0 {
		return fmt.Errorf("QueryK must be positive before loading groundtruth, got %d", ds.QueryK)
	}
	keys := make([]string, 0, len(ds.QueryRanges))
	for key := range ds.QueryRanges {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		for key := range ds.Constraints {
			keys = append(keys, key)
		}
	}

	ds.Groundtruth = make(map[string][][]int32, len(keys))
	for _, key := range keys {
		path := prefix + key + ".bin"
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r := bufio.NewReader(f)
		gt := make([][]int32, ds.QueryNb)
		for i := range gt {
			gt[i] = make([]int32, ds.QueryK)
			if err := readInt32s(r, gt[i]); err != nil {
				f.Close()
				return fmt.Errorf("reading groundtruth %d from %s: %w", i, path, err)
			}
		}
		f.Close()
		ds.Groundtruth[key] = gt
	}
	return nil
}

// LoadMixedRanges reads the 2-D constraint file prefix+"mixed.bin":
// QueryNb quads (l1, r1, l2, r2) of raw attribute constraints.
func (ds *Dataset) LoadMixedRanges(prefix string) error {
	path := prefix + "mixed.bin"
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	cons := make([]AttrConstraint, ds.QueryNb)
	for i := range cons {
		quad := make([]int32, 4)
		if err := readInt32s(r, quad); err != nil {
			return fmt.Errorf("reading constraint %d from %s: %w", i, path, err)
		}
		cons[i].Ranges = []Range{{quad[0], quad[1]}, {quad[2], quad[3]}}
	}
	if ds.Constraints == nil {
		ds.Constraints = make(map[string][]AttrConstraint)
	}
	ds.Constraints["mixed"] = cons
	return nil
}

// SortByAttr reorders the dataset vectors by ascending value of
// attribute aid, records the original ids, and converts every loaded
// constraint's aid-range into an id-space window over the sorted order
// via bisection. After SortByAttr, internal id order equals primary-
// attribute order.
func (ds *Dataset) SortByAttr(aid int) error {
	if aid >= ds.AttrNb {
		return fmt.Errorf("attribute %d out of range (%d loaded)", aid, ds.AttrNb)
	}

	type keyed struct {
		val int32
		id  int32
	}
	p := make([]keyed, ds.DataNb)
	for i := int32(0); i < ds.DataNb; i++ {
		p[i] = keyed{val: ds.Attributes[i][aid], id: i}
	}
	sort.Slice(p, func(i, j int) bool {
		if p[i].val != p[j].val {
			return p[i].val < p[j].val
		}
		return p[i].id < p[j].id
	})

	sorted := make([][]float32, ds.DataNb)
	ds.OriginalID = make([]int32, ds.DataNb)
	for i := range p {
		ds.OriginalID[i] = p[i].id
		sorted[i] = ds.Data[p[i].id]
	}
	ds.Data = sorted

	if ds.QueryRanges == nil {
		ds.QueryRanges = make(map[string][]Range)
	}
	for domain, cons := range ds.Constraints {
		mapped := make([]Range, len(cons))
		for qid, c := range cons {
			ql, qr := c.Ranges[aid].Ql, c.Ranges[aid].Qr
			lo := sort.Search(len(p), func(i int) bool { return p[i].val >= ql })
			hi := sort.Search(len(p), func(i int) bool { return p[i].val > qr })
			mapped[qid] = Range{Ql: int32(lo), Qr: int32(hi - 1)}
		}
		ds.QueryRanges[domain] = mapped
	}
	return nil
}
