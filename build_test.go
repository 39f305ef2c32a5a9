package rangegraph

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func randDataset(n, dim int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &Dataset{
		Dim:        int32(dim),
		DataNb:     int32(n),
		Data:       make([][]float32, n),
		Attributes: make([][]int32, n),
	}
	for i := range ds.Data {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		ds.Data[i] = v
	}
	return ds
}

func buildGraph(t testing.TB, ds *Dataset, m, efConstruction int, seed int64) *Builder {
	t.Helper()
	b, err := NewBuilder(ds, BuildConfig{
		M:              m,
		EfConstruction: efConstruction,
		Threads:        4,
		Seed:           seed,
	})
	require.NoError(t, err)
	require.NoError(t, b.Build())
	return b
}

func buildTestIndex(t testing.TB, ds *Dataset, m, efConstruction int, seed int64) *Index {
	t.Helper()
	b := buildGraph(t, ds, m, efConstruction, seed)
	path := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, b.SaveIndex(path))
	ix, err := OpenIndexWithData(path, ds, m, nil)
	require.NoError(t, err)
	return ix
}

// ancestorAt descends from the root toward pid and returns pid's
// ancestor node at the given depth, or pid's leaf when that leaf sits
// above the given depth.
func ancestorAt(tree *SegmentTree, pid, depth int32) *TreeNode {
	u := tree.Root()
	for u.Depth < depth && !u.leaf() {
		u = tree.childToward(u, pid)
	}
	return u
}

func TestNewBuilder_Validation(t *testing.T) {
	t.Parallel()

	ds := randDataset(16, 4, 0)
	for _, cfg := range []BuildConfig{
		{M: 0, EfConstruction: 10, Threads: 1},
		{M: 4, EfConstruction: 0, Threads: 1},
		{M: 4, EfConstruction: 10, Threads: 0},
	} {
		_, err := NewBuilder(ds, cfg)
		require.Error(t, err)
	}

	_, err := NewBuilder(&Dataset{}, BuildConfig{M: 4, EfConstruction: 10, Threads: 1})
	require.Error(t, err)
}

func TestBuilder_Invariants(t *testing.T) {
	t.Parallel()

	const (
		n = 200
		m = 8
	)
	ds := randDataset(n, 8, 1)
	b := buildGraph(t, ds, m, 40, 1)

	for pid := int32(0); pid < int32(n); pid++ {
		for depth := int32(0); depth <= b.tree.MaxDepth; depth++ {
			list := b.edges[pid][depth]
			require.LessOrEqual(t, len(list), m, "point %d depth %d over degree", pid, depth)

			anc := ancestorAt(b.tree, pid, depth)
			for _, nb := range list {
				require.True(t, anc.contains(nb.ID),
					"point %d depth %d: neighbor %d outside ancestor [%d, %d]",
					pid, depth, nb.ID, anc.Lbound, anc.Rbound)
				require.NotEqual(t, pid, nb.ID, "point %d is its own neighbor", pid)
			}
		}
	}
}

func TestBuilder_Determinism(t *testing.T) {
	t.Parallel()

	ds1 := randDataset(150, 6, 3)
	ds2 := randDataset(150, 6, 3)

	b1 := buildGraph(t, ds1, 6, 30, 42)
	b2 := buildGraph(t, ds2, 6, 30, 42)

	var buf1, buf2 bytes.Buffer
	require.NoError(t, b1.exportEdges(&buf1))
	require.NoError(t, b2.exportEdges(&buf2))
	require.Equal(t, buf1.Bytes(), buf2.Bytes())

	// A different seed should disagree somewhere.
	b3 := buildGraph(t, randDataset(150, 6, 3), 6, 30, 43)
	var buf3 bytes.Buffer
	require.NoError(t, b3.exportEdges(&buf3))
	require.NotEqual(t, buf1.Bytes(), buf3.Bytes())
}

func TestBuilder_SinglePoint(t *testing.T) {
	t.Parallel()

	ds := randDataset(1, 4, 0)
	b := buildGraph(t, ds, 4, 10, 0)
	require.EqualValues(t, 0, b.tree.MaxDepth)
	require.Empty(t, b.edges[0][0])
}

func Test_pruneHeuristic_DegreeCap(t *testing.T) {
	t.Parallel()

	ds := randDataset(64, 4, 5)
	b, err := NewBuilder(ds, BuildConfig{M: 4, EfConstruction: 16, Threads: 1})
	require.NoError(t, err)

	// Feed more candidates than M and check the cap plus ordering.
	var fresh []Candidate
	for id := int32(1); id < 33; id++ {
		fresh = append(fresh, Candidate{Dist: b.dist(0, id), ID: id})
	}
	kept := b.pruneHeuristic(nil, fresh)
	require.LessOrEqual(t, len(kept), 4)
	for i := 1; i < len(kept); i++ {
		require.LessOrEqual(t, kept[i-1].Dist, kept[i].Dist)
	}
}

func Test_pruneHeuristic_KeepsSmallLists(t *testing.T) {
	t.Parallel()

	ds := randDataset(16, 4, 6)
	b, err := NewBuilder(ds, BuildConfig{M: 8, EfConstruction: 16, Threads: 1})
	require.NoError(t, err)

	old := []Candidate{{Dist: 0.5, ID: 1}, {Dist: 0.9, ID: 2}}
	fresh := []Candidate{{Dist: 0.7, ID: 3}}
	kept := b.pruneHeuristic(old, fresh)
	// Under the cap nothing is pruned, only merged in order.
	require.Len(t, kept, 3)
	require.EqualValues(t, 1, kept[0].ID)
	require.EqualValues(t, 3, kept[1].ID)
	require.EqualValues(t, 2, kept[2].ID)
}
