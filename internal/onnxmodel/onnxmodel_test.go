package onnxmodel

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/example/face-verify/internal/faceembed"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestLetterboxKeepsAspectAndPadsBottom(t *testing.T) {
	img := solidImage(100, 50, color.RGBA{R: 255, A: 255})

	blob, scale := letterbox(img, 64)

	if len(blob) != 3*64*64 {
		t.Fatalf("unexpected blob length: %d", len(blob))
	}
	if math.Abs(scale-0.64) > 1e-9 {
		t.Fatalf("unexpected scale: %v", scale)
	}

	red := float32((255 - detectorMean) / detectorStd)
	if math.Abs(float64(blob[0]-red)) > 1e-3 {
		t.Fatalf("expected red channel %v at origin, got %v", red, blob[0])
	}
	pad := float32(-detectorMean / detectorStd)
	below := 40*64 + 10
	if blob[below] != pad {
		t.Fatalf("expected padding %v below the image, got %v", pad, blob[below])
	}
}

func TestDecodeStrideMapsAnchorsToSourceCoordinates(t *testing.T) {
	const inputSize, stride = 32, 8
	anchors := (inputSize / stride) * (inputSize / stride) * anchorsPerCell
	scores := make([]float32, anchors)
	distances := make([]float32, anchors*4)

	// anchor 10 lives in cell 5, which is column 1 row 1 of a 4x4 grid
	scores[10] = 0.9
	copy(distances[40:44], []float32{1, 1, 1, 1})
	scores[3] = 0.2

	faces, err := decodeStride(scores, distances, stride, inputSize, 0.5, 0.5)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected one face above threshold, got %d", len(faces))
	}
	want := faceembed.BoundingBox{X1: 0, Y1: 0, X2: 32, Y2: 32}
	if faces[0].Box != want {
		t.Fatalf("unexpected box: %+v", faces[0].Box)
	}
	if faces[0].Score != 0.9 {
		t.Fatalf("unexpected score: %v", faces[0].Score)
	}
}

func TestDecodeStrideRejectsMismatchedOutputs(t *testing.T) {
	if _, err := decodeStride(make([]float32, 32), make([]float32, 10), 8, 32, 0.5, 1); err == nil {
		t.Fatal("expected error for short distance tensor")
	}
	if _, err := decodeStride(make([]float32, 8), make([]float32, 32), 8, 32, 0.5, 1); err == nil {
		t.Fatal("expected error for wrong anchor count")
	}
}

func TestNonMaxSuppressionKeepsBestOfOverlappingFaces(t *testing.T) {
	faces := []faceembed.Face{
		{Box: faceembed.BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}, Score: 0.7},
		{Box: faceembed.BoundingBox{X1: 5, Y1: 5, X2: 105, Y2: 105}, Score: 0.95},
		{Box: faceembed.BoundingBox{X1: 300, Y1: 300, X2: 360, Y2: 360}, Score: 0.6},
	}

	kept := nonMaxSuppression(faces, 0.4)

	if len(kept) != 2 {
		t.Fatalf("expected two faces, got %d", len(kept))
	}
	if kept[0].Score != 0.95 || kept[1].Score != 0.6 {
		t.Fatalf("unexpected survivors: %+v", kept)
	}
}

func TestIOU(t *testing.T) {
	a := faceembed.BoundingBox{X1: 0, Y1: 0, X2: 9, Y2: 9}
	if got := iou(a, a); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical boxes should have iou 1, got %v", got)
	}
	far := faceembed.BoundingBox{X1: 50, Y1: 50, X2: 59, Y2: 59}
	if got := iou(a, far); got != 0 {
		t.Fatalf("disjoint boxes should have iou 0, got %v", got)
	}
}

func TestCropFaceProducesRecognizerInput(t *testing.T) {
	img := solidImage(200, 120, color.White)

	face := cropFace(img, faceembed.BoundingBox{X1: 150, Y1: 80, X2: 230, Y2: 140})

	b := face.Bounds()
	if b.Dx() != recognizerSize || b.Dy() != recognizerSize {
		t.Fatalf("unexpected crop size: %v", b)
	}
	// the square extends past the right edge, which must stay black
	r, g, bl, _ := face.At(b.Max.X-1, b.Min.Y+recognizerSize/2).RGBA()
	if r != 0 || g != 0 || bl != 0 {
		t.Fatalf("expected black padding, got %d %d %d", r, g, bl)
	}
}

func TestRecognizerBlobNormalisesToUnitRange(t *testing.T) {
	blob := recognizerBlob(solidImage(recognizerSize, recognizerSize, color.White))

	if len(blob) != 3*recognizerSize*recognizerSize {
		t.Fatalf("unexpected blob length: %d", len(blob))
	}
	for i, v := range blob {
		if v != 1 {
			t.Fatalf("expected 1 at %d, got %v", i, v)
		}
	}
}
