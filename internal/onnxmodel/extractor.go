// Package onnxmodel runs the insightface buffalo_l detector (SCRFD) and
// recognizer (ArcFace) in process through onnxruntime.
package onnxmodel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
	"github.com/example/face-verify/internal/logging"
)

// maxFaces bounds how many detections are embedded per image.
const maxFaces = 10

// Options configures the onnxruntime backend.
type Options struct {
	LibraryPath    string
	DetectorPath   string
	RecognizerPath string
	ModelName      string
	DetectorSize   int
	ScoreThreshold float32
	NMSThreshold   float64
	UseGPU         bool
}

// Extractor implements faceembed.Extractor with two onnxruntime sessions.
type Extractor struct {
	opts       Options
	detector   *ort.DynamicAdvancedSession
	recognizer *ort.DynamicAdvancedSession
	detOutputs int
	logger     *zap.Logger
}

// New initialises onnxruntime and loads both models.
func New(opts Options, logger *zap.Logger) (*Extractor, error) {
	if opts.DetectorSize <= 0 || opts.DetectorSize%32 != 0 {
		return nil, fmt.Errorf("detector size %d must be a positive multiple of 32", opts.DetectorSize)
	}
	logger = logger.Named("onnx_model")

	ort.SetSharedLibraryPath(opts.LibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, logging.NewOperationError("onnxmodel.init_environment", "", err)
	}

	sessionOpts, err := newSessionOptions(opts.UseGPU, logger)
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, err
	}
	defer sessionOpts.Destroy()

	detector, detOutputs, err := openSession(opts.DetectorPath, sessionOpts)
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, logging.NewOperationError("onnxmodel.open_detector", "", err)
	}
	if detOutputs != 2*len(featStrides) && detOutputs != 3*len(featStrides) {
		detector.Destroy()
		_ = ort.DestroyEnvironment()
		return nil, fmt.Errorf("detector %s has %d outputs, want %d or %d", opts.DetectorPath, detOutputs, 2*len(featStrides), 3*len(featStrides))
	}

	recognizer, _, err := openSession(opts.RecognizerPath, sessionOpts)
	if err != nil {
		detector.Destroy()
		_ = ort.DestroyEnvironment()
		return nil, logging.NewOperationError("onnxmodel.open_recognizer", "", err)
	}

	logger.Info("onnx face model loaded",
		zap.String("detector", opts.DetectorPath),
		zap.String("recognizer", opts.RecognizerPath),
		zap.Bool("gpu", opts.UseGPU),
	)
	return &Extractor{
		opts:       opts,
		detector:   detector,
		recognizer: recognizer,
		detOutputs: detOutputs,
		logger:     logger,
	}, nil
}

func newSessionOptions(useGPU bool, logger *zap.Logger) (*ort.SessionOptions, error) {
	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, logging.NewOperationError("onnxmodel.session_options", "", err)
	}
	if !useGPU {
		return sessionOpts, nil
	}

	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		logger.Warn("CUDA provider unavailable, using CPU", zap.Error(err))
		return sessionOpts, nil
	}
	defer cudaOpts.Destroy()
	if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		logger.Warn("failed to enable CUDA provider, using CPU", zap.Error(err))
	}
	return sessionOpts, nil
}

func openSession(path string, sessionOpts *ort.SessionOptions) (*ort.DynamicAdvancedSession, int, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, 0, err
	}
	if len(inputs) != 1 {
		return nil, 0, fmt.Errorf("%s: expected one input, got %d", path, len(inputs))
	}
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}
	session, err := ort.NewDynamicAdvancedSession(path, []string{inputs[0].Name}, outputNames, sessionOpts)
	if err != nil {
		return nil, 0, err
	}
	return session, len(outputNames), nil
}

// ModelID identifies the loaded model pair.
func (e *Extractor) ModelID() string {
	name := e.opts.ModelName
	if name == "" {
		name = filepath.Base(filepath.Dir(e.opts.RecognizerPath))
	}
	return "onnx:" + name
}

// Close releases both sessions and the onnxruntime environment.
func (e *Extractor) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.detector != nil {
		errs = append(errs, e.detector.Destroy())
		e.detector = nil
	}
	if e.recognizer != nil {
		errs = append(errs, e.recognizer.Destroy())
		e.recognizer = nil
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}

// Extract detects faces and embeds up to maxFaces of them, best score first.
func (e *Extractor) Extract(ctx context.Context, img *imagedecode.Image) ([]faceembed.Face, error) {
	requestID := logging.RequestIDFromContext(ctx)

	faces, err := e.detect(img)
	if err != nil {
		return nil, logging.NewOperationError("onnxmodel.detect", requestID, err)
	}
	if len(faces) > maxFaces {
		faces = faces[:maxFaces]
	}

	for i := range faces {
		if err := ctx.Err(); err != nil {
			return nil, logging.NewOperationError("onnxmodel.embed", requestID, err)
		}
		embedding, err := e.embed(cropFace(img.Pixels, faces[i].Box))
		if err != nil {
			return nil, logging.NewOperationError("onnxmodel.embed", requestID, err)
		}
		faces[i].Embedding = embedding
	}
	return faces, nil
}

func (e *Extractor) detect(img *imagedecode.Image) ([]faceembed.Face, error) {
	size := e.opts.DetectorSize
	blob, scale := letterbox(img.Pixels, size)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), blob)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := make([]ort.Value, e.detOutputs)
	defer destroyAll(outputs)
	if err := e.detector.Run([]ort.Value{input}, outputs); err != nil {
		return nil, err
	}

	fmc := len(featStrides)
	var candidates []faceembed.Face
	for idx, stride := range featStrides {
		scores, err := tensorData(outputs[idx])
		if err != nil {
			return nil, err
		}
		distances, err := tensorData(outputs[idx+fmc])
		if err != nil {
			return nil, err
		}
		faces, err := decodeStride(scores, distances, stride, size, e.opts.ScoreThreshold, scale)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, faces...)
	}
	return nonMaxSuppression(candidates, e.opts.NMSThreshold), nil
}

func (e *Extractor) embed(face image.Image) ([]float32, error) {
	input, err := ort.NewTensor(ort.NewShape(1, 3, recognizerSize, recognizerSize), recognizerBlob(face))
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 1)
	defer destroyAll(outputs)
	if err := e.recognizer.Run([]ort.Value{input}, outputs); err != nil {
		return nil, err
	}
	data, err := tensorData(outputs[0])
	if err != nil {
		return nil, err
	}
	embedding := make([]float32, len(data))
	copy(embedding, data)
	return embedding, nil
}

func tensorData(v ort.Value) ([]float32, error) {
	tensor, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", v)
	}
	return tensor.GetData(), nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
