package inference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCConfig holds configuration for the gRPC client
type GRPCConfig struct {
	Endpoint    string
	Timeout     time.Duration // Per-call deadline, 0 = none
	DialOptions []grpc.DialOption
}

// GRPCClient talks to a model host over gRPC
type GRPCClient struct {
	endpoint string
	timeout  time.Duration
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *zap.Logger
}

var _ Client = (*GRPCClient)(nil)

// NewGRPCClient creates a client. The connection is established lazily on
// the first call.
func NewGRPCClient(cfg GRPCConfig, logger *zap.Logger) (*GRPCClient, error) {
	// Detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", cfg.Endpoint, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("gRPC inference client created", zap.String("endpoint", cfg.Endpoint))

	return &GRPCClient{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger,
	}, nil
}

// CheckHealth queries the standard health service for the inference service
func (c *GRPCClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w", c.endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s reports %s", ErrUnhealthy, c.endpoint, resp.GetStatus())
	}
	return nil
}

// Status returns the state of model on the host
func (c *GRPCClient) Status(ctx context.Context, model string) (*Status, error) {
	var out Status
	if err := c.invoke(ctx, "Status", &modelRequest{Model: model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load asks the host to load model
func (c *GRPCClient) Load(ctx context.Context, model string) (*Status, error) {
	var out Status
	if err := c.invoke(ctx, "Load", &modelRequest{Model: model}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detect runs the detector
func (c *GRPCClient) Detect(ctx context.Context, req *DetectRequest) (*DetectResponse, error) {
	var out DetectResponse
	if err := c.invoke(ctx, "Detect", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segment runs the segmenter on one hint
func (c *GRPCClient) Segment(ctx context.Context, req *SegmentRequest) (*SegmentResponse, error) {
	var out SegmentResponse
	if err := c.invoke(ctx, "Segment", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Propose runs whole-image segmentation
func (c *GRPCClient) Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error) {
	var out ProposeResponse
	if err := c.invoke(ctx, "Propose", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close closes the connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(method, err)
	}
	return fromStruct(out, resp)
}

func (c *GRPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// fromStatus maps gRPC status codes back onto protocol errors
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w: %s", method, ErrNoMask, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %s", method, ErrModelNotFound, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s: %w", method, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", method, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", method, err)
}
