package server

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name load balancers probe.
const ServiceName = "iot-deployer"

// HealthServer is the standard gRPC health service. It reports
// NOT_SERVING until SetServing(true), which the CLI calls once recovery
// has finished.
type HealthServer struct {
	health *health.Server
	grpc   *grpc.Server

	mu  sync.Mutex
	lis net.Listener
}

// NewHealthServer returns a health server in NOT_SERVING state.
func NewHealthServer(opts ...grpc.ServerOption) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(g, hs)
	return &HealthServer{health: hs, grpc: g}
}

// SetServing flips both the overall and the named service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.mu.Lock()
	h.lis = lis
	h.mu.Unlock()
	return h.grpc.Serve(lis)
}

// Start listens on addr and serves in the background.
func (h *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := h.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Error("gRPC health server error", "error", err)
		}
	}()
	log.Info("gRPC health server listening", "address", lis.Addr().String())
	return nil
}

// Addr returns the listener address once serving.
func (h *HealthServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lis == nil {
		return nil
	}
	return h.lis.Addr()
}

// Stop marks everything NOT_SERVING, tells watchers, and stops.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
	log.Info("gRPC health server stopped")
}
