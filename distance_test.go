package rangegraph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEuclideanDistance(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 5.0, EuclideanDistance([]float32{0, 0}, []float32{3, 4}), 1e-6)
	require.InDelta(t, 0.0, EuclideanDistance([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
	require.InDelta(t, 25.0, SquaredEuclideanDistance([]float32{0, 0}, []float32{3, 4}), 1e-5)
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
	require.InDelta(t, 0.0, CosineDistance([]float32{2, 0}, []float32{5, 0}), 1e-6)
}

func TestDistanceByName(t *testing.T) {
	t.Parallel()

	fn, err := DistanceByName("euclidean")
	require.NoError(t, err)
	name, ok := distanceFuncToName(fn)
	require.True(t, ok)
	require.Equal(t, "euclidean", name)

	_, err = DistanceByName("chebyshev")
	require.Error(t, err)

	RegisterDistanceFunc("always-zero", func(a, b []float32) float32 { return 0 })
	fn, err = DistanceByName("always-zero")
	require.NoError(t, err)
	require.Zero(t, fn(nil, nil))
}
