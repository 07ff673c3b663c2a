package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
)

// Client calls the CalibrationControl service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target (host:port). The connection is
// established lazily on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, method string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return nil, clientError(err)
	}
	return out, nil
}

// clientError restores the calibration sentinels so callers can use
// errors.Is across the wire.
func clientError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w (server: %s)", calibration.ErrInsufficientData, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w (server: %s)", calibration.ErrSessionChanged, st.Message())
	default:
		return err
	}
}

// Reset resets the session and returns its new state.
func (c *Client) Reset(ctx context.Context) (calibration.Snapshot, error) {
	var snap calibration.Snapshot
	s, err := c.call(ctx, MethodReset)
	if err != nil {
		return snap, err
	}
	return snap, fromStruct(s, &snap)
}

// Start begins a new session and returns its id.
func (c *Client) Start(ctx context.Context) (string, error) {
	s, err := c.call(ctx, MethodStart)
	if err != nil {
		return "", err
	}
	id, _ := s.AsMap()["session_id"].(string)
	if id == "" {
		return "", fmt.Errorf("start: response has no session_id")
	}
	return id, nil
}

// Save saves the session and returns the result.
func (c *Client) Save(ctx context.Context) (calibration.Result, error) {
	var res calibration.Result
	s, err := c.call(ctx, MethodSave)
	if err != nil {
		return res, err
	}
	return res, fromStruct(s, &res)
}

// Status returns the session snapshot.
func (c *Client) Status(ctx context.Context) (calibration.Snapshot, error) {
	var snap calibration.Snapshot
	s, err := c.call(ctx, MethodStatus)
	if err != nil {
		return snap, err
	}
	return snap, fromStruct(s, &snap)
}
