package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer hosts the health and reflection services.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
	name   string
}

// NewGRPCServer creates a gRPC server that logs every unary call and
// reports serviceName as serving until Shutdown.
func NewGRPCServer(serviceName string, logger zerolog.Logger) *GRPCServer {
	log := logger.With().Str("handler", "grpc").Logger()
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoverUnary(log),
		logUnary(log),
	))

	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv) // Enable reflection for debugging

	return &GRPCServer{Server: srv, health: hs, name: serviceName}
}

// Shutdown flips health to NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
}

// logUnary logs each unary call with its duration and status code. The
// caller's tenant is taken from incoming metadata when present.
func logUnary(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := log.Debug()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Str("tenant_id", firstMetadata(ctx, "x-tenant-id")).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func recoverUnary(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("method", info.FullMethod).Msg("Recovered from panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
