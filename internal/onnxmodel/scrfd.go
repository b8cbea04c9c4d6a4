package onnxmodel

import (
	"fmt"
	"image"
	"math"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/nfnt/resize"

	"github.com/example/face-verify/internal/faceembed"
)

const (
	detectorMean   = 127.5
	detectorStd    = 128.0
	anchorsPerCell = 2
)

var featStrides = []int{8, 16, 32}

// letterbox scales img to fit a size x size canvas keeping the aspect ratio,
// anchored at the top-left corner, and returns the CHW blob together with
// the scale that maps source coordinates to canvas coordinates.
func letterbox(img image.Image, size int) ([]float32, float64) {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	var newW, newH int
	if float64(srcH)/float64(srcW) > 1 {
		newH = size
		newW = int(float64(newH) * float64(srcW) / float64(srcH))
	} else {
		newW = size
		newH = int(float64(newW) * float64(srcH) / float64(srcW))
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	scale := float64(newH) / float64(srcH)

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	plane := size * size
	blob := make([]float32, 3*plane)
	pad := float32((0 - detectorMean) / detectorStd)
	for i := range blob {
		blob[i] = pad
	}
	rb := resized.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			offset := y*size + x
			blob[offset] = (float32(r>>8) - detectorMean) / detectorStd
			blob[plane+offset] = (float32(g>>8) - detectorMean) / detectorStd
			blob[2*plane+offset] = (float32(b>>8) - detectorMean) / detectorStd
		}
	}
	return blob, scale
}

// decodeStride turns one feature level of detector output into candidate
// faces in source image coordinates. scores has one value per anchor and
// distances four (left, top, right, bottom) in stride units.
func decodeStride(scores, distances []float32, stride, inputSize int, threshold float32, scale float64) ([]faceembed.Face, error) {
	width := inputSize / stride
	if len(distances) != len(scores)*4 {
		return nil, fmt.Errorf("stride %d: %d scores but %d box values", stride, len(scores), len(distances))
	}
	if want := width * width * anchorsPerCell; len(scores) != want {
		return nil, fmt.Errorf("stride %d: got %d anchors, want %d", stride, len(scores), want)
	}

	var faces []faceembed.Face
	for i, score := range scores {
		if score < threshold {
			continue
		}
		cell := i / anchorsPerCell
		cx := float64((cell % width) * stride)
		cy := float64((cell / width) * stride)
		d := distances[i*4 : i*4+4]
		s := float64(stride)
		faces = append(faces, faceembed.Face{
			Box: faceembed.BoundingBox{
				X1: (cx - float64(d[0])*s) / scale,
				Y1: (cy - float64(d[1])*s) / scale,
				X2: (cx + float64(d[2])*s) / scale,
				Y2: (cy + float64(d[3])*s) / scale,
			},
			Score: score,
		})
	}
	return faces, nil
}

// nonMaxSuppression keeps the highest scoring faces, dropping any face whose
// overlap with an already kept face exceeds iouThreshold.
func nonMaxSuppression(faces []faceembed.Face, iouThreshold float64) []faceembed.Face {
	heap := binaryheap.NewWith(func(a, b interface{}) int {
		sa, sb := a.(faceembed.Face).Score, b.(faceembed.Face).Score
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return 0
		}
	})
	for _, f := range faces {
		heap.Push(f)
	}

	var kept []faceembed.Face
	for {
		value, ok := heap.Pop()
		if !ok {
			break
		}
		candidate := value.(faceembed.Face)
		suppressed := false
		for _, k := range kept {
			if iou(candidate.Box, k.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func iou(a, b faceembed.BoundingBox) float64 {
	areaA := (a.X2 - a.X1 + 1) * (a.Y2 - a.Y1 + 1)
	areaB := (b.X2 - b.X1 + 1) * (b.Y2 - b.Y1 + 1)
	w := math.Max(0, math.Min(a.X2, b.X2)-math.Max(a.X1, b.X1)+1)
	h := math.Max(0, math.Min(a.Y2, b.Y2)-math.Max(a.Y1, b.Y1)+1)
	inter := w * h
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
