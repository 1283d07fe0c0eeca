package monitoring

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/23skdu/longbow-mesh/internal/logger"
)

// HealthServer serves the standard gRPC health service.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// StartHealthServer listens on addr and serves in the background. The node
// starts as NOT_SERVING until SetServing is called.
func StartHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", addr, err)
	}
	hs := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
	}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(hs.server, hs.health)

	go func() {
		if err := hs.server.Serve(lis); err != nil {
			logger.Log.Error("Health server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Log.Info("Health server listening", "addr", lis.Addr().String())
	return hs, nil
}

// Addr is the bound listen address.
func (hs *HealthServer) Addr() string { return hs.lis.Addr().String() }

func (hs *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", status)
}

// Stop marks the node as shutting down and stops serving.
func (hs *HealthServer) Stop() {
	hs.health.Shutdown()
	hs.server.GracefulStop()
}

// Prober checks worker health endpoints.
type Prober struct{}

// Probe returns nil when the health service at addr reports SERVING.
func (Prober) Probe(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("health client %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check %s: %s", addr, resp.GetStatus())
	}
	return nil
}
