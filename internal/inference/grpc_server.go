package inference

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "hybridcv.inference.v1.InferenceService"

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RegisterInferenceServer registers srv on s
func RegisterInferenceServer(s *grpc.Server, srv Service) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler: unaryHandler("Status", func(srv Service, ctx context.Context, req *modelRequest) (*Status, error) {
				return srv.Status(ctx, req.Model)
			}),
		},
		{
			MethodName: "Load",
			Handler: unaryHandler("Load", func(srv Service, ctx context.Context, req *modelRequest) (*Status, error) {
				return srv.Load(ctx, req.Model)
			}),
		},
		{
			MethodName: "Detect",
			Handler:    unaryHandler("Detect", Service.Detect),
		},
		{
			MethodName: "Segment",
			Handler:    unaryHandler("Segment", Service.Segment),
		},
		{
			MethodName: "Propose",
			Handler:    unaryHandler("Propose", Service.Propose),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hybridcv/inference/v1/inference.proto",
}

func unaryHandler[Req, Resp any](method string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req any) (any, error) {
			var r Req
			if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			resp, err := call(srv.(Service), ctx, &r)
			if err != nil {
				return nil, toStatus(err)
			}
			out, err := toStruct(resp)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return out, nil
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, invoke)
	}
}

// toStatus maps protocol errors onto gRPC status codes
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNoMask):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrModelNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
