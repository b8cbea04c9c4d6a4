// Package imagedecode turns uploaded bytes into pixel data.
package imagedecode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps width*height so a tiny compressed payload cannot expand
// into an enormous pixel buffer.
const MaxPixels = 40_000_000

// ErrUndecodable is returned for input that is not a decodable image.
var ErrUndecodable = errors.New("image could not be decoded")

// Image is a decoded upload. Raw keeps the original bytes for backends that
// prefer the encoded form.
type Image struct {
	Raw    []byte
	Format string
	Width  int
	Height int
	Pixels image.Image
}

// Decode decodes data using every registered image format.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUndecodable)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, undecodable(data, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUndecodable, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUndecodable, cfg.Width, cfg.Height, MaxPixels)
	}

	pixels, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, undecodable(data, err)
	}
	bounds := pixels.Bounds()
	return &Image{
		Raw:    data,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pixels: pixels,
	}, nil
}

func undecodable(data []byte, err error) error {
	detected := mimetype.Detect(data)
	return fmt.Errorf("%w (detected %s): %v", ErrUndecodable, detected.String(), err)
}
