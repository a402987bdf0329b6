package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/psimage/psi"
)

// TileServiceServer is psimage.TileService. Its messages are protobuf
// well-known types, so the service needs no generated code.
type TileServiceServer interface {
	// GetTile returns the tile with the given code as PNG.
	GetTile(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error)
	// GetRegion renders {x0, y0, x1, y1} in reference space at {w, h} as PNG.
	// w and h default to the region size.
	GetRegion(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	// Info describes the open container.
	Info(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var tileServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTile", Handler: unaryHandler("GetTile", TileServiceServer.GetTile)},
		{MethodName: "GetRegion", Handler: unaryHandler("GetRegion", TileServiceServer.GetRegion)},
		{MethodName: "Info", Handler: unaryHandler("Info", TileServiceServer.Info)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "psimage/tile_service.proto",
}

// unaryHandler adapts a TileServiceServer method to the grpc dispatcher, the
// way protoc-gen-go-grpc does for each method.
func unaryHandler[Req any, Resp any](method string, call func(TileServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TileServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TileServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server implements TileServiceServer over an open container.
type Server struct {
	container *psi.Container
	maxSide   int
}

func (s *Server) GetTile(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error) {
	tile, err := s.container.TileByCode(int(req.GetValue()))
	if err != nil {
		return nil, grpcError("could not read tile", err)
	}
	return pngValue(tile.Raster)
}

func (s *Server) GetRegion(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	var v [4]int
	for i, name := range []string{"x0", "y0", "x1", "y1"} {
		n, ok, err := intField(req, name)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "missing %s", name)
		}
		v[i] = n
	}
	rect := image.Rect(v[0], v[1], v[2], v[3])
	size := rect.Size()
	for _, f := range []struct {
		name string
		dst  *int
	}{{"w", &size.X}, {"h", &size.Y}} {
		n, ok, err := intField(req, f.name)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if ok {
			*f.dst = n
		}
	}
	if size.X > s.maxSide || size.Y > s.maxSide {
		return nil, status.Errorf(codes.InvalidArgument, "requested output %v is larger than %d", size, s.maxSide)
	}
	raster, err := s.container.Region(rect, size)
	if err != nil {
		return nil, grpcError("could not extract region", err)
	}
	return pngValue(raster)
}

func (s *Server) Info(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	c := s.container
	previews := []any{}
	for _, name := range c.PreviewNames() {
		previews = append(previews, name)
	}
	info, err := structpb.NewStruct(map[string]any{
		"width":         c.Width(),
		"height":        c.Height(),
		"magnification": c.Magnification(),
		"tile_size":     c.Layout().TileSize,
		"codec":         c.Codec().String(),
		"quality":       c.Quality(),
		"layers":        c.Layout().NumLayers(),
		"tiles":         c.Layout().NumTiles(),
		"previews":      previews,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to build info: %v", err)
	}
	return info, nil
}

// intField reads an integral number field of s. ok is false when the field
// is absent.
func intField(s *structpb.Struct, name string) (int, bool, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, false, fmt.Errorf("%s must be an integer", name)
	}
	return int(n.NumberValue), true, nil
}

// grpcError maps library errors onto gRPC status codes.
func grpcError(msg string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, psi.ErrInvalidArgument), errors.Is(err, psi.ErrInvalidLayer):
		code = codes.InvalidArgument
	case errors.Is(err, psi.ErrTileNotFound), errors.Is(err, psi.ErrOutOfBounds):
		code = codes.NotFound
	case errors.Is(err, psi.ErrClosed):
		code = codes.Unavailable
	}
	return status.Errorf(code, "%s: %v", msg, err)
}

func pngValue(r *psi.Raster) (*wrapperspb.BytesValue, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.RGBA()); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode png: %v", err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

// newGRPCAPIServer builds the API server with the logging and metrics
// interceptors.
func newGRPCAPIServer(logger *slog.Logger, c *psi.Container, maxSide int) *grpc.Server {
	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	s.RegisterService(&tileServiceDesc, &Server{container: c, maxSide: maxSide})
	reflection.Register(s) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(s)
	return s
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server, c *psi.Container) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	grpcAPIServer = newGRPCAPIServer(logger, c, cfg.MaxOutputSide)

	// Set initial health status
	healthServer.SetServingStatus(tileServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}
