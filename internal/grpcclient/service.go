package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "faceverify.model.v1.FaceModel"
	analyzeMethod = "/" + serviceName + "/Analyze"
)

// FaceModelServer is implemented by inference services. Analyze receives an
// encoded image and answers with
// {"faces": [{"bbox": [x1, y1, x2, y2], "det_score": s, "embedding": [...]}], "model": name}.
type FaceModelServer interface {
	Analyze(ctx context.Context, image *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterFaceModelServer registers srv on s.
func RegisterFaceModelServer(s grpc.ServiceRegistrar, srv FaceModelServer) {
	s.RegisterService(&faceModelServiceDesc, srv)
}

func analyzeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FaceModelServer).Analyze(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: analyzeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FaceModelServer).Analyze(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var faceModelServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FaceModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: analyzeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faceverify/model/v1/face_model.proto",
}
