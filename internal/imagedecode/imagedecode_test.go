package imagedecode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	data := encodePNG(t, 32, 16)

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Format != "png" {
		t.Fatalf("unexpected format: %s", img.Format)
	}
	if img.Width != 32 || img.Height != 16 {
		t.Fatalf("unexpected size %dx%d", img.Width, img.Height)
	}
	if !bytes.Equal(img.Raw, data) {
		t.Fatal("expected raw bytes to be kept")
	}
}

func TestDecodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	img, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Format != "jpeg" {
		t.Fatalf("unexpected format: %s", img.Format)
	}
}

func TestDecodeNetpbm(t *testing.T) {
	data := []byte("P2\n2 2\n255\n0 64\n128 255\n")

	img, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Width != 2 || img.Height != 2 {
		t.Fatalf("unexpected size %dx%d", img.Width, img.Height)
	}
}

func TestDecodeRejectsNonImages(t *testing.T) {
	_, err := Decode([]byte("hello, this is plainly text"))
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
	if !strings.Contains(err.Error(), "text/plain") {
		t.Fatalf("expected detected mime in error, got %v", err)
	}
}

func TestDecodeRejectsEmptyAndTruncated(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable for empty input, got %v", err)
	}

	data := encodePNG(t, 16, 16)
	if _, err := Decode(data[:len(data)/2]); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable for truncated input, got %v", err)
	}
}

func TestDecodeRejectsOversizedDimensions(t *testing.T) {
	data := []byte("P5\n10000 5000\n255\n")

	_, err := Decode(data)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
}
