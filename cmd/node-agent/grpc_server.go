package main

import (
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// nodeHealth is the serving flag shared by the gRPC health service, the HTTP
// health check and the websocket endpoint.
type nodeHealth struct {
	serving atomic.Bool
	grpc    *health.Server
}

func newNodeHealth() *nodeHealth {
	h := &nodeHealth{grpc: health.NewServer()}
	h.Set(true)
	return h
}

func (h *nodeHealth) Serving() bool {
	return h.serving.Load()
}

func (h *nodeHealth) Set(serving bool) {
	h.serving.Store(serving)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", status)
}

// Shutdown marks every service NOT_SERVING so pooled clients see the node go
// down before the listener closes.
func (h *nodeHealth) Shutdown() {
	h.serving.Store(false)
	h.grpc.Shutdown()
}

func newGRPCServer(h *nodeHealth) *grpc.Server {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, h.grpc)
	return server
}
