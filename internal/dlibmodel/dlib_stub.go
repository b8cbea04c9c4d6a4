//go:build !dlib

package dlibmodel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
)

// EmbeddingDim is the length of a dlib face descriptor.
const EmbeddingDim = 128

// ErrNotCompiled is returned when the binary was built without the dlib tag.
var ErrNotCompiled = errors.New("dlib backend not compiled in, rebuild with -tags dlib")

type Extractor struct{}

func New(modelDir string, logger *zap.Logger) (*Extractor, error) {
	return nil, ErrNotCompiled
}

func (e *Extractor) ModelID() string { return "dlib:unavailable" }

func (e *Extractor) Close() error { return nil }

func (e *Extractor) Extract(context.Context, *imagedecode.Image) ([]faceembed.Face, error) {
	return nil, ErrNotCompiled
}
