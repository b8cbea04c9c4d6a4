package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-verify/internal/faceembed"
	"github.com/example/face-verify/internal/imagedecode"
	"github.com/example/face-verify/internal/logging"
)

// DialFaceModel returns an extractor backed by a remote inference service.
// The connection is owned by the extractor and released by Close.
func DialFaceModel(ctx context.Context, addr, modelName string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Extractor, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_model", "", err)
		logger.Error("failed to dial face model", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Extractor{conn: conn, modelName: modelName, logger: logger.Named("face_model_client")}, nil
}

// Extractor implements faceembed.Extractor over gRPC.
type Extractor struct {
	conn      *grpc.ClientConn
	modelName string
	logger    *zap.Logger
}

type analyzeResponse struct {
	Model string         `json:"model"`
	Faces []analyzedFace `json:"faces"`
}

type analyzedFace struct {
	BBox      []float64 `json:"bbox"`
	DetScore  float32   `json:"det_score"`
	Embedding []float32 `json:"embedding"`
}

// Extract sends the encoded image to the model service.
func (e *Extractor) Extract(ctx context.Context, img *imagedecode.Image) ([]faceembed.Face, error) {
	requestID := logging.RequestIDFromContext(ctx)

	out := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, analyzeMethod, wrapperspb.Bytes(img.Raw), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.analyze", requestID, err)
		e.logger.Error("face model call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	faces, err := decodeAnalyzeResponse(out)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", requestID, err)
	}
	return faces, nil
}

// ModelID names the remote model.
func (e *Extractor) ModelID() string {
	return "grpc:" + e.modelName
}

// Close releases the connection.
func (e *Extractor) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func decodeAnalyzeResponse(out *structpb.Struct) ([]faceembed.Face, error) {
	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, err
	}
	var resp analyzeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}

	faces := make([]faceembed.Face, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bbox has %d values, want 4", i, len(f.BBox))
		}
		faces = append(faces, faceembed.Face{
			Box:       faceembed.BoundingBox{X1: f.BBox[0], Y1: f.BBox[1], X2: f.BBox[2], Y2: f.BBox[3]},
			Score:     f.DetScore,
			Embedding: f.Embedding,
		})
	}
	return faces, nil
}
