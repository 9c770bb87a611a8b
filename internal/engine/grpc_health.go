package engine

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer - gRPC health-check для оркестратора (grpc_health_probe, k8s grpc probe).
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewHealthServer(logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	// До старта пайплайна не обслуживаем
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{srv: srv, health: h, logger: logger.With(zap.String("mod", "grpc-health"))}
}

func (s *HealthServer) SetServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing переводит все сервисы в NOT_SERVING (начало остановки).
func (s *HealthServer) SetNotServing() {
	s.health.Shutdown()
}

// Serve блокируется до остановки; lis закрывает grpc.Server.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Stop дожидается активных RPC, но не дольше ctx.
func (s *HealthServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
	}
}
