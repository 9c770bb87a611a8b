package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServerStatus(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, nil, err)

	hs := NewHealthServer(zap.NewNop())
	go func() { _ = hs.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	assert.Equal(t, nil, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		assert.Equal(t, nil, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	hs.SetServing()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	hs.SetNotServing()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	hs.Stop(ctx)
}
