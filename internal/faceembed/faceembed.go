// Package faceembed defines the contract between the verification flow and
// the pretrained face model that detects faces and produces embeddings.
package faceembed

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/face-verify/internal/imagedecode"
)

var (
	// ErrNoFace means the model found no face in the image.
	ErrNoFace = errors.New("no face detected")
	// ErrInvalidEmbedding means the model returned an unusable vector.
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

// BoundingBox is a face rectangle in source image coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, or 0 for a degenerate box.
func (b BoundingBox) Area() float64 {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Face is a single detection with its embedding.
type Face struct {
	Box       BoundingBox
	Score     float32
	Embedding []float32
}

// Extractor wraps a pretrained detection + embedding model.
type Extractor interface {
	Extract(ctx context.Context, img *imagedecode.Image) ([]Face, error)
	ModelID() string
	Close() error
}

// Largest picks the face with the biggest bounding box. Ties keep the
// earliest face.
func Largest(faces []Face) (Face, error) {
	if len(faces) == 0 {
		return Face{}, ErrNoFace
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		if faces[i].Box.Area() > faces[best].Box.Area() {
			best = i
		}
	}
	return faces[best], nil
}

// ValidateEmbedding checks that vec is non-empty, finite and, when dim > 0,
// exactly dim long.
func ValidateEmbedding(vec []float32, dim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrInvalidEmbedding, len(vec), dim)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}
