package rangegraph

import (
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// multiDataset builds a dataset with two integer attributes and a
// "mixed" constraint domain of the given window width, groundtruth
// computed brute force in original id space before sorting.
func multiDataset(t *testing.T, n, queries int, width int32, seed int64) (*Dataset, [][]int32) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	ds := randDataset(n, 8, seed)
	ds.QueryNb = int32(queries)
	ds.QueryK = 10
	for i := int32(0); i < ds.DataNb; i++ {
		ds.Attributes[i] = []int32{rng.Int31n(1000), rng.Int31n(1000)}
	}
	ds.AttrNb = 2

	cons := make([]AttrConstraint, queries)
	for i := range cons {
		var ranges []Range
		for j := 0; j < 2; j++ {
			lo := rng.Int31n(1000 - width)
			ranges = append(ranges, Range{Ql: lo, Qr: lo + width - 1})
		}
		cons[i].Ranges = ranges
		q := make([]float32, 8)
		for j := range q {
			q[j] = rng.Float32()
		}
		ds.Queries = append(ds.Queries, q)
	}
	ds.Constraints = map[string][]AttrConstraint{"mixed": cons}

	// Exact groundtruth over original ids, before any sorting.
	gt := make([][]int32, queries)
	for qid := range cons {
		type pair struct {
			dist float32
			id   int32
		}
		var eligible []pair
		for pid := int32(0); pid < ds.DataNb; pid++ {
			ok := true
			for j, r := range cons[qid].Ranges {
				if ds.Attributes[pid][j] < r.Ql || ds.Attributes[pid][j] > r.Qr {
					ok = false
					break
				}
			}
			if ok {
				eligible = append(eligible, pair{dist: EuclideanDistance(ds.Queries[qid], ds.Data[pid]), id: pid})
			}
		}
		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].dist != eligible[j].dist {
				return eligible[i].dist < eligible[j].dist
			}
			return eligible[i].id < eligible[j].id
		})
		for i := 0; i < len(eligible) && i < ds.QueryK; i++ {
			gt[qid] = append(gt[qid], eligible[i].id)
		}
	}
	return ds, gt
}

func newTestMultiSearcher(t *testing.T, ds *Dataset, m, efConstruction int, seed int64, opts MultiOptions) *MultiSearcher {
	t.Helper()
	require.NoError(t, ds.SortByAttr(0))
	b := buildGraph(t, ds, m, efConstruction, seed)
	path := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, b.SaveIndex(path))
	ms, err := NewMultiSearcher(path, ds, m, EuclideanDistance, opts)
	require.NoError(t, err)
	return ms
}

func requireConstrained(t *testing.T, ds *Dataset, results []Candidate, cons []Range) {
	t.Helper()
	seen := make(map[int32]bool)
	for _, c := range results {
		require.False(t, seen[c.ID], "duplicate result id %d", c.ID)
		seen[c.ID] = true
		for j, r := range cons {
			v := ds.Attributes[c.ID][j]
			require.True(t, r.Ql <= v && v <= r.Qr,
				"result %d violates attribute %d: %d outside [%d, %d]", c.ID, j, v, r.Ql, r.Qr)
		}
	}
}

func TestSearchMulti_PurePostRecall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recall test in short mode")
	}
	t.Parallel()

	ds, gt := multiDataset(t, 1000, 30, 400, 20)
	ms := newTestMultiSearcher(t, ds, 16, 100, 20, MultiOptions{PurePost: true})
	rng := rand.New(rand.NewSource(4))

	hits, total := 0, 0
	for qid := int32(0); qid < ds.QueryNb; qid++ {
		w := ds.QueryRanges["mixed"][qid]
		cons := ds.Constraints["mixed"][qid].Ranges
		results, err := ms.SearchMulti(rng, ds.Queries[qid], 400, ds.QueryK, w.Ql, w.Qr, 16, cons)
		require.NoError(t, err)
		requireConstrained(t, ds, results, cons)
		for _, c := range results {
			for _, id := range gt[qid] {
				if id == c.ID {
					hits++
					break
				}
			}
		}
		total += len(gt[qid])
	}
	require.NotZero(t, total)
	recall := float64(hits) / float64(total)
	require.GreaterOrEqual(t, recall, 0.9, "recall = %f", recall)
}

func TestSearchMulti_ResultsAreOriginalIDs(t *testing.T) {
	t.Parallel()

	ds, _ := multiDataset(t, 300, 10, 600, 21)
	ms := newTestMultiSearcher(t, ds, 8, 40, 21, MultiOptions{PurePost: true})
	rng := rand.New(rand.NewSource(5))

	for qid := int32(0); qid < ds.QueryNb; qid++ {
		w := ds.QueryRanges["mixed"][qid]
		cons := ds.Constraints["mixed"][qid].Ranges
		results, err := ms.SearchMulti(rng, ds.Queries[qid], 100, ds.QueryK, w.Ql, w.Qr, 8, cons)
		require.NoError(t, err)
		// Constraint checks address Attributes by original id, so this
		// doubles as the id-space check.
		requireConstrained(t, ds, results, cons)
	}
}

func TestSearchMulti_ProbabilityGate(t *testing.T) {
	t.Parallel()

	ds, _ := multiDataset(t, 300, 10, 300, 22)
	ms := newTestMultiSearcher(t, ds, 8, 40, 22, MultiOptions{PurePost: false, MaxStep: 5})
	rng := rand.New(rand.NewSource(6))

	for qid := int32(0); qid < ds.QueryNb; qid++ {
		w := ds.QueryRanges["mixed"][qid]
		cons := ds.Constraints["mixed"][qid].Ranges
		results, err := ms.SearchMulti(rng, ds.Queries[qid], 100, ds.QueryK, w.Ql, w.Qr, 8, cons)
		require.NoError(t, err)
		requireConstrained(t, ds, results, cons)
	}
}

func TestSearchMulti_EmptyWindow(t *testing.T) {
	t.Parallel()

	ds, _ := multiDataset(t, 200, 5, 200, 23)
	ms := newTestMultiSearcher(t, ds, 8, 40, 23, MultiOptions{PurePost: true})
	rng := rand.New(rand.NewSource(7))

	// An inverted window means no point satisfies the primary range.
	cons := []Range{{Ql: 5000, Qr: 6000}, {Ql: 0, Qr: 999}}
	results, err := ms.SearchMulti(rng, ds.Queries[0], 100, ds.QueryK, 5, 4, 8, cons)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestNewMultiSearcher_Validation(t *testing.T) {
	t.Parallel()

	ds := randDataset(50, 4, 24)
	_, err := NewMultiSearcher("nonexistent.bin", ds, 4, nil, MultiOptions{})
	require.Error(t, err)
}
