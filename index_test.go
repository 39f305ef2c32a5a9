package rangegraph

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeVectorFile(t *testing.T, path string, vecs [][]float32) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeInt32(&buf, int32(len(vecs))))
	require.NoError(t, writeInt32(&buf, int32(len(vecs[0]))))
	for _, v := range vecs {
		require.NoError(t, writeFloat32s(&buf, v))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestIndex_RoundTrip(t *testing.T) {
	t.Parallel()

	ds := randDataset(120, 4, 7)
	b := buildGraph(t, ds, 6, 30, 7)

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.bin")
	require.NoError(t, b.SaveIndex(indexPath))
	saved, err := os.ReadFile(indexPath)
	require.NoError(t, err)

	ix, err := OpenIndexWithData(indexPath, ds, 6, nil)
	require.NoError(t, err)

	// Exporting the loaded index reproduces the file byte for byte.
	rewritten := filepath.Join(dir, "rewritten.bin")
	require.NoError(t, ix.SaveIndex(rewritten))
	reread, err := os.ReadFile(rewritten)
	require.NoError(t, err)
	require.Equal(t, saved, reread)
}

func TestOpenIndex_VectorFile(t *testing.T) {
	t.Parallel()

	ds := randDataset(80, 5, 8)
	b := buildGraph(t, ds, 6, 30, 8)

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.bin")
	vectorPath := filepath.Join(dir, "vectors.bin")
	require.NoError(t, b.SaveIndex(indexPath))
	writeVectorFile(t, vectorPath, ds.Data)

	ix, err := OpenIndex(vectorPath, indexPath, 6, EuclideanDistance)
	require.NoError(t, err)
	require.EqualValues(t, 80, ix.N)
	require.EqualValues(t, 5, ix.Dim)
	for pid := int32(0); pid < ix.N; pid++ {
		require.Equal(t, ds.Data[pid], ix.vector(pid))
	}
}

func TestIndex_RejectsOversizedList(t *testing.T) {
	t.Parallel()

	ix, err := newIndex(4, 2, 2, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeInt32(&buf, 3)) // M is 2
	require.NoError(t, writeInt32s(&buf, []int32{0, 1, 2}))
	err = ix.loadEdges(&buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds M")
}

func TestIndex_RejectsOutOfRangeNeighbor(t *testing.T) {
	t.Parallel()

	ix, err := newIndex(4, 2, 2, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeInt32(&buf, 1))
	require.NoError(t, writeInt32(&buf, 99))
	err = ix.loadEdges(&buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
}

func TestIndex_Truncated(t *testing.T) {
	t.Parallel()

	ds := randDataset(40, 3, 9)
	b := buildGraph(t, ds, 4, 20, 9)

	indexPath := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, b.SaveIndex(indexPath))
	full, err := os.ReadFile(indexPath)
	require.NoError(t, err)

	truncated := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(truncated, full[:len(full)/2], 0o644))
	_, err = OpenIndexWithData(truncated, ds, 4, nil)
	require.Error(t, err)
}

func TestAnalyzer(t *testing.T) {
	t.Parallel()

	ds := randDataset(100, 4, 10)
	ix := buildTestIndex(t, ds, 6, 30, 10)

	a := Analyzer{Index: ix}
	require.Equal(t, int(ix.Tree.MaxDepth)+1, a.Height())
	require.LessOrEqual(t, a.MaxDegree(), 6)

	conn := a.Connectivity()
	require.Len(t, conn, a.Height())
	require.Greater(t, conn[0], 0.0)

	occ := a.Occupancy()
	// Leaves carry no edges; the root layer connects nearly everything.
	require.Zero(t, occ[len(occ)-1])
	require.Greater(t, occ[0], 50)
}
