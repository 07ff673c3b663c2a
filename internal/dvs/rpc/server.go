package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
)

// Session is the part of the calibration controller the service drives.
type Session interface {
	ResetCalibration()
	StartCalibration() string
	SaveCalibration(ctx context.Context) (calibration.Result, error)
	Status() calibration.Snapshot
}

var _ Session = (*calibration.Controller)(nil)

// Ensure Server implements the gRPC interface.
var _ ControlServer = (*Server)(nil)

// Server implements CalibrationControl over a Session.
type Server struct {
	session Session
}

// NewServer creates a service for session.
func NewServer(session Session) *Server {
	return &Server{session: session}
}

func (s *Server) Reset(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.session.ResetCalibration()
	opsf("calibration reset via gRPC")
	return toStruct(s.session.Status())
}

func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	id := s.session.StartCalibration()
	opsf("calibration %s started via gRPC", id)
	return structpb.NewStruct(map[string]interface{}{"session_id": id})
}

func (s *Server) Save(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.session.SaveCalibration(ctx)
	if err != nil {
		diagf("save via gRPC: %v", err)
		return nil, saveStatus(err)
	}
	return toStruct(res)
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.session.Status())
}

// saveStatus converts a SaveCalibration error into a gRPC status.
func saveStatus(err error) error {
	switch {
	case errors.Is(err, calibration.ErrSessionChanged):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, calibration.ErrInsufficientData):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Errorf(codes.Internal, "save failed: %v", err)
	}
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON encoding.
func fromStruct(s *structpb.Struct, v interface{}) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// logCalls traces every unary call with its outcome.
func logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	tracef("%s -> %s", info.FullMethod, status.Code(err))
	return resp, err
}

// NewGRPCServer returns a grpc.Server with the control service registered.
func NewGRPCServer(session Session, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logCalls)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, NewServer(session))
	return gs
}

// ListenAndServe serves the control service on addr until ctx is
// cancelled, then stops gracefully.
func ListenAndServe(ctx context.Context, addr string, session Session) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return Serve(ctx, lis, NewGRPCServer(session))
}

// Serve runs gs on lis until ctx is cancelled.
func Serve(ctx context.Context, lis net.Listener, gs *grpc.Server) error {
	errCh := make(chan error, 1)
	go func() {
		opsf("gRPC server listening on %s", lis.Addr())
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		opsf("gRPC server stopped")
		return nil
	}
}
