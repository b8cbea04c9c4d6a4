// Package similarity scores pairs of face embeddings.
package similarity

import (
	"errors"
	"math"

	"golang.org/x/exp/constraints"
)

var (
	ErrEmptyVector       = errors.New("empty vector")
	ErrDimensionMismatch = errors.New("vector dimensions differ")
	ErrZeroVector        = errors.New("zero-length vector norm")
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. Sums are
// accumulated in float64 regardless of the element type.
func Cosine[T constraints.Float](a, b []T) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, ErrZeroVector
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
