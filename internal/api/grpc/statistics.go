// Package grpc exposes the statistics operations over gRPC. Messages are
// google.protobuf.Struct documents carrying the same JSON shapes as the HTTP API.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chronostat.v1.Statistics"

const (
	methodTimeSeries      = "/" + ServiceName + "/TimeSeries"
	methodCalculateLatest = "/" + ServiceName + "/CalculateLatest"
)

// Service is what the gRPC server calls.
type Service interface {
	TimeSeries(ctx context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error)
	Materialize(ctx context.Context, req types.CalculationRequest) (*materializer.Report, error)
}

// StatisticsServer is the server API of chronostat.v1.Statistics.
type StatisticsServer interface {
	TimeSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CalculateLatest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// StatisticsServiceDesc describes chronostat.v1.Statistics for registration.
var StatisticsServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatisticsServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "TimeSeries", Handler: timeSeriesHandler},
		{MethodName: "CalculateLatest", Handler: calculateLatestHandler},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "chronostat/v1/statistics.proto",
}

// RegisterStatisticsServer registers srv on s.
func RegisterStatisticsServer(s gogrpc.ServiceRegistrar, srv StatisticsServer) {
	s.RegisterService(&StatisticsServiceDesc, srv)
}

func timeSeriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatisticsServer).TimeSeries(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: methodTimeSeries}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatisticsServer).TimeSeries(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func calculateLatestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatisticsServer).CalculateLatest(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: methodCalculateLatest}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatisticsServer).CalculateLatest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements StatisticsServer on top of the service.
type Server struct {
	svc Service
}

// NewServer creates a statistics server.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// TimeSeries evaluates a query document shaped like the HTTP request body.
// The response holds the points under "points".
func (s *Server) TimeSeries(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var q types.TimeSeriesQuery
	if err := fromStruct(req, &q); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid query: %v", err)
	}

	points, err := s.svc.TimeSeries(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	if points == nil {
		points = []types.TimeSeriesPoint{}
	}
	return toStruct(map[string]interface{}{"points": points})
}

// CalculateLatest materializes {"startInclusive","endExclusive"}. The
// response holds the run report under "report".
func (s *Server) CalculateLatest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var calc types.CalculationRequest
	if err := fromStruct(req, &calc); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	report, err := s.svc.Materialize(ctx, calc)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"report": report})
}

// NewGRPCServer builds a server with the statistics and health services
// registered. Extra interceptors run after request logging.
func NewGRPCServer(svc Service, logger *zap.Logger, interceptors ...gogrpc.UnaryServerInterceptor) (*gogrpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}

	chain := append([]gogrpc.UnaryServerInterceptor{loggingInterceptor(logger)}, interceptors...)
	srv := gogrpc.NewServer(gogrpc.ChainUnaryInterceptor(chain...))
	RegisterStatisticsServer(srv, NewServer(svc))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return srv, healthServer
}

func loggingInterceptor(logger *zap.Logger) gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", extractRequestID(ctx)))
		return resp, err
	}
}

// toStatus maps an error to a gRPC status.
func toStatus(err error) error {
	var code codes.Code
	switch staterrors.GetCategory(err) {
	case staterrors.ErrCategoryValidation:
		code = codes.InvalidArgument
	case staterrors.ErrCategoryStore:
		code = codes.Unavailable
	case staterrors.ErrCategoryMaterialization:
		code = codes.Internal
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		default:
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// Client calls chronostat.v1.Statistics.
type Client struct {
	conn gogrpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn gogrpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// TimeSeries runs q remotely.
func (c *Client) TimeSeries(ctx context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error) {
	in, err := toStruct(q)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodTimeSeries, in, out); err != nil {
		return nil, err
	}

	var resp struct {
		Points []types.TimeSeriesPoint `json:"points"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.Points, nil
}

// CalculateLatest materializes req remotely.
func (c *Client) CalculateLatest(ctx context.Context, req types.CalculationRequest) (*materializer.Report, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodCalculateLatest, in, out); err != nil {
		return nil, err
	}

	var resp struct {
		Report *materializer.Report `json:"report"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.Report, nil
}
