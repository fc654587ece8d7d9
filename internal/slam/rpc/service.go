// Package rpc exposes the SLAM query surface over gRPC.
//
// Messages are the well-known protobuf types: requests are structpb.Struct
// and responses are either structpb.Struct (GetPosition) or
// wrapperspb.BytesValue (everything that returns an encoded payload). The
// service descriptor below plays the role of generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "slam.v1.SLAMService"

// Full method names.
const (
	MethodGetPosition            = "/" + ServiceName + "/GetPosition"
	MethodGetPointCloudMap       = "/" + ServiceName + "/GetPointCloudMap"
	MethodGetPointCloudMapStream = "/" + ServiceName + "/GetPointCloudMapStream"
	MethodGetMap                 = "/" + ServiceName + "/GetMap"
	MethodGetInternalState       = "/" + ServiceName + "/GetInternalState"
	MethodGetInternalStateStream = "/" + ServiceName + "/GetInternalStateStream"
)

// Request and response field names.
const (
	FieldName               = "name"
	FieldMimeType           = "mime_type"
	FieldIncludeRobotMarker = "include_robot_marker"
	FieldPose               = "pose"
	FieldExtra              = "extra"
	FieldQuat               = "quat"
	FieldComponentReference = "component_reference"

	// MimeTypeHeader carries the payload type of a GetMap reply.
	MimeTypeHeader = "mime-type"
)

// Supported GetMap payload types.
const (
	MimeTypeJPEG = "image/jpeg"
	MimeTypePCD  = "pointcloud/pcd"
)

// SLAMServiceServer is the server API for the SLAM service.
type SLAMServiceServer interface {
	GetPosition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPointCloudMap(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	GetPointCloudMapStream(*structpb.Struct, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	GetMap(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	GetInternalState(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	GetInternalStateStream(*structpb.Struct, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// RegisterSLAMServiceServer registers srv with s.
func RegisterSLAMServiceServer(s grpc.ServiceRegistrar, srv SLAMServiceServer) {
	s.RegisterService(&SLAMServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Res any](fullMethod string, call func(SLAMServiceServer, context.Context, *structpb.Struct) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SLAMServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SLAMServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type streamCall func(SLAMServiceServer, *structpb.Struct, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error

func streamHandler(call streamCall) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(SLAMServiceServer), in, &grpc.GenericServerStream[structpb.Struct, wrapperspb.BytesValue]{ServerStream: stream})
	}
}

// SLAMServiceDesc describes the service for grpc.Server.RegisterService and
// for client streams.
var SLAMServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SLAMServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetPosition",
			Handler: unaryHandler(MethodGetPosition, func(s SLAMServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetPosition(ctx, in)
			}),
		},
		{
			MethodName: "GetPointCloudMap",
			Handler: unaryHandler(MethodGetPointCloudMap, func(s SLAMServiceServer, ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
				return s.GetPointCloudMap(ctx, in)
			}),
		},
		{
			MethodName: "GetMap",
			Handler: unaryHandler(MethodGetMap, func(s SLAMServiceServer, ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
				return s.GetMap(ctx, in)
			}),
		},
		{
			MethodName: "GetInternalState",
			Handler: unaryHandler(MethodGetInternalState, func(s SLAMServiceServer, ctx context.Context, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
				return s.GetInternalState(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "GetPointCloudMapStream",
			Handler: streamHandler(func(s SLAMServiceServer, in *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
				return s.GetPointCloudMapStream(in, stream)
			}),
			ServerStreams: true,
		},
		{
			StreamName: "GetInternalStateStream",
			Handler: streamHandler(func(s SLAMServiceServer, in *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
				return s.GetInternalStateStream(in, stream)
			}),
			ServerStreams: true,
		},
	},
	Metadata: "slam/v1/slam.proto",
}
