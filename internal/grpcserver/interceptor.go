package grpcserver

import (
	"context"
	"time"

	gatev1 "github.com/MarkoPoloResearchLab/labgate/api/gate/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs the method, status code and duration of every unary call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startedAt := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(startedAt)),
		}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
			return response, err
		}
		logger.Debug("grpc call", fields...)
		return response, nil
	}
}

// Register installs the gate service and a health service reporting it as serving.
func Register(server *grpc.Server, gateServer *GateServiceServer) *health.Server {
	gatev1.RegisterGateServiceServer(server, gateServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(gatev1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return healthServer
}
