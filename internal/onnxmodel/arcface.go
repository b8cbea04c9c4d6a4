package onnxmodel

import (
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"

	"github.com/example/face-verify/internal/faceembed"
)

const (
	recognizerSize = 112
	recognizerMean = 127.5
	recognizerStd  = 127.5
)

// cropFace cuts a square around box, padding with black where the square
// leaves the image, and resizes it to the recognizer input size.
func cropFace(img image.Image, box faceembed.BoundingBox) image.Image {
	cx := (box.X1 + box.X2) / 2
	cy := (box.Y1 + box.Y2) / 2
	side := math.Max(box.X2-box.X1, box.Y2-box.Y1)
	if side < 1 {
		side = 1
	}
	x0 := int(math.Round(cx - side/2))
	y0 := int(math.Round(cy - side/2))
	n := int(math.Round(side))

	bounds := img.Bounds()
	square := image.NewRGBA(image.Rect(0, 0, n, n))
	draw.Draw(square, square.Bounds(), img, image.Pt(bounds.Min.X+x0, bounds.Min.Y+y0), draw.Src)

	return resize.Resize(recognizerSize, recognizerSize, square, resize.Bilinear)
}

// recognizerBlob converts a 112x112 face into a normalised RGB CHW tensor.
func recognizerBlob(face image.Image) []float32 {
	const plane = recognizerSize * recognizerSize
	blob := make([]float32, 3*plane)
	b := face.Bounds()
	for y := 0; y < recognizerSize; y++ {
		for x := 0; x < recognizerSize; x++ {
			r, g, bl, _ := face.At(b.Min.X+x, b.Min.Y+y).RGBA()
			offset := y*recognizerSize + x
			blob[offset] = (float32(r>>8) - recognizerMean) / recognizerStd
			blob[plane+offset] = (float32(g>>8) - recognizerMean) / recognizerStd
			blob[2*plane+offset] = (float32(bl>>8) - recognizerMean) / recognizerStd
		}
	}
	return blob
}
