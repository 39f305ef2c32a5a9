package rangegraph

import (
	"fmt"
	"reflect"

	"github.com/viterin/vek/vek32"
)

// DistanceFunc is a function that computes the distance between two vectors.
// The index only assumes the function is symmetric and non-negative.
type DistanceFunc func(a, b []float32) float32

// EuclideanDistance computes the Euclidean distance between two vectors.
func EuclideanDistance(a, b []float32) float32 {
	return vek32.Distance(a, b)
}

// SquaredEuclideanDistance computes the squared Euclidean distance. It
// orders points identically to EuclideanDistance without the final
// square root.
func SquaredEuclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance computes the cosine distance between two vectors.
func CosineDistance(a, b []float32) float32 {
	return 1 - vek32.CosineSimilarity(a, b)
}

// InnerProductDistance computes 1 minus the dot product of two vectors.
// It is a proper ranking function for normalized embeddings only.
func InnerProductDistance(a, b []float32) float32 {
	return 1 - vek32.Dot(a, b)
}

var distanceFuncs = map[string]DistanceFunc{
	"euclidean":         EuclideanDistance,
	"squared-euclidean": SquaredEuclideanDistance,
	"cosine":            CosineDistance,
	"inner-product":     InnerProductDistance,
}

// RegisterDistanceFunc makes a custom distance function available by
// name to DistanceByName.
func RegisterDistanceFunc(name string, fn DistanceFunc) {
	distanceFuncs[name] = fn
}

// DistanceByName returns the registered distance function for name.
func DistanceByName(name string) (DistanceFunc, error) {
	fn, ok := distanceFuncs[name]
	if !ok {
		return nil, fmt.Errorf("unknown distance function %q", name)
	}
	return fn, nil
}

func distanceFuncToName(fn DistanceFunc) (string, bool) {
	for name, registered := range distanceFuncs {
		if reflect.ValueOf(registered).Pointer() == reflect.ValueOf(fn).Pointer() {
			return name, true
		}
	}
	return "", false
}
