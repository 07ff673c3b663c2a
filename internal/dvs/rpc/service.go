// Package rpc exposes the calibration session over gRPC.
//
// The CalibrationControl service has four unary methods, all taking
// google.protobuf.Empty and answering with a google.protobuf.Struct that
// holds the JSON form of the corresponding calibration type:
//
//	Reset  -> calibration.Snapshot after the reset
//	Start  -> {"session_id": "..."}
//	Save   -> calibration.Result
//	Status -> calibration.Snapshot
//
// Save failures map to FailedPrecondition (not enough data), Aborted (the
// session changed during the save), DeadlineExceeded and Internal.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dvs.calibration.v1.CalibrationControl"

// Full method names.
const (
	MethodReset  = "/" + ServiceName + "/Reset"
	MethodStart  = "/" + ServiceName + "/Start"
	MethodSave   = "/" + ServiceName + "/Save"
	MethodStatus = "/" + ServiceName + "/Status"
)

// ControlServer is the server API for the CalibrationControl service.
type ControlServer interface {
	Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Save(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type controlMethod func(ControlServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call controlMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlServiceDesc describes the CalibrationControl service for
// grpc.ServiceRegistrar.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: unaryHandler(MethodReset, ControlServer.Reset)},
		{MethodName: "Start", Handler: unaryHandler(MethodStart, ControlServer.Start)},
		{MethodName: "Save", Handler: unaryHandler(MethodSave, ControlServer.Save)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, ControlServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dvs/calibration/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}
