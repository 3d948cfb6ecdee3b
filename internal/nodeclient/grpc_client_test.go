package nodeclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VenkatGGG/nodepool/internal/proxy"
)

func startFakeGRPCNode(t *testing.T, withHealth bool) (addr string, healthServer *health.Server, stop func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcServer := grpc.NewServer()
	if withHealth {
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
	}
	go func() {
		_ = grpcServer.Serve(listener)
	}()

	return listener.Addr().String(), healthServer, func() {
		grpcServer.Stop()
		_ = listener.Close()
	}
}

func TestGRPCUnitPingFollowsHealthStatus(t *testing.T) {
	addr, healthServer, stop := startFakeGRPCNode(t, true)
	defer stop()

	unit := NewGRPCUnit("grpc://"+addr, GRPCOptions{DialTimeout: 5 * time.Second})
	require.NoError(t, unit.Create(context.Background()))
	defer unit.Terminate(context.Background())

	alive, err := unit.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	alive, err = unit.Ping(context.Background())
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestGRPCUnitWithoutHealthServiceUsesConnState(t *testing.T) {
	addr, _, stop := startFakeGRPCNode(t, false)
	defer stop()

	unit := NewGRPCUnit(addr, GRPCOptions{DialTimeout: 5 * time.Second})
	require.NoError(t, unit.Create(context.Background()))
	defer unit.Terminate(context.Background())

	alive, err := unit.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestGRPCUnitPingErrorsAfterNodeStops(t *testing.T) {
	addr, _, stop := startFakeGRPCNode(t, true)

	unit := NewGRPCUnit(addr, GRPCOptions{DialTimeout: 5 * time.Second})
	require.NoError(t, unit.Create(context.Background()))
	defer unit.Terminate(context.Background())
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := unit.Ping(ctx)
	assert.Error(t, err)
}

func TestGRPCUnitCreateFailsWithoutNode(t *testing.T) {
	unit := NewGRPCUnit("127.0.0.1:1", GRPCOptions{DialTimeout: 100 * time.Millisecond})
	err := unit.Create(context.Background())
	assert.Error(t, err)

	_, err = unit.Conn()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGRPCUnitBehindProxy(t *testing.T) {
	addr, _, stop := startFakeGRPCNode(t, true)
	defer stop()

	p := proxy.New[proxy.Unit](NewGRPCUnit(addr, GRPCOptions{DialTimeout: 5 * time.Second}), proxy.Options{})
	require.NoError(t, p.Create(context.Background()))

	status, err := proxy.Call(context.Background(), p, func(ctx context.Context, u proxy.Unit) (healthpb.HealthCheckResponse_ServingStatus, error) {
		out := &healthpb.HealthCheckResponse{}
		err := u.(*GRPCUnit).Invoke(ctx, "/grpc.health.v1.Health/Check", &healthpb.HealthCheckRequest{}, out)
		return out.GetStatus(), err
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	alive, err := p.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)
	require.NoError(t, p.Terminate(context.Background(), false))
}
