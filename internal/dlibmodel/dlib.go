//go:build dlib

package dlibmodel

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"

	face "github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
	"github.com/example/face-verify/internal/logging"
)

// EmbeddingDim is the length of a dlib face descriptor.
const EmbeddingDim = 128

// Extractor runs the dlib ResNet face recognizer. The underlying recognizer
// is not safe for concurrent use, so calls are serialised.
type Extractor struct {
	mu         sync.Mutex
	recognizer *face.Recognizer
	modelDir   string
	logger     *zap.Logger
}

// New loads the dlib models found in modelDir.
func New(modelDir string, logger *zap.Logger) (*Extractor, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, logging.NewOperationError("dlibmodel.new_recognizer", "", err)
	}
	logger = logger.Named("dlib_model")
	logger.Info("dlib face model loaded", zap.String("dir", modelDir))
	return &Extractor{recognizer: rec, modelDir: modelDir, logger: logger}, nil
}

func (e *Extractor) ModelID() string {
	return "dlib:" + e.modelDir
}

func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		e.recognizer.Close()
		e.recognizer = nil
	}
	return nil
}

func (e *Extractor) Extract(ctx context.Context, img *imagedecode.Image) ([]faceembed.Face, error) {
	requestID := logging.RequestIDFromContext(ctx)

	data, err := jpegBytes(img)
	if err != nil {
		return nil, logging.NewOperationError("dlibmodel.encode_jpeg", requestID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("dlibmodel.recognize", requestID, err)
	}

	e.mu.Lock()
	found, err := e.recognizer.Recognize(data)
	e.mu.Unlock()
	if err != nil {
		return nil, logging.NewOperationError("dlibmodel.recognize", requestID, err)
	}

	faces := make([]faceembed.Face, 0, len(found))
	for _, f := range found {
		embedding := make([]float32, EmbeddingDim)
		copy(embedding, f.Descriptor[:])
		faces = append(faces, faceembed.Face{
			Box: faceembed.BoundingBox{
				X1: float64(f.Rectangle.Min.X),
				Y1: float64(f.Rectangle.Min.Y),
				X2: float64(f.Rectangle.Max.X),
				Y2: float64(f.Rectangle.Max.Y),
			},
			Score:     1,
			Embedding: embedding,
		})
	}
	return faces, nil
}

// jpegBytes returns the upload unchanged when it is already a JPEG and
// re-encodes it otherwise, since dlib only reads JPEG.
func jpegBytes(img *imagedecode.Image) ([]byte, error) {
	if img.Format == "jpeg" {
		return img.Raw, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Pixels, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
