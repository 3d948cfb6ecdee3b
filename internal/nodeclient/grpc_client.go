package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var ErrNotConnected = errors.New("grpc unit is not connected")

type GRPCOptions struct {
	DialTimeout time.Duration
	// HealthService is the service name sent in health checks. Empty asks
	// for the server's overall status.
	HealthService string
	DialOptions   []grpc.DialOption
}

// GRPCUnit is a node reached over gRPC. Liveness uses the standard health
// service; nodes that do not register it are judged by connection state.
type GRPCUnit struct {
	target string
	opts   GRPCOptions

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

func NewGRPCUnit(address string, opts GRPCOptions) *GRPCUnit {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 45 * time.Second
	}
	return &GRPCUnit{target: normalizeGRPCTarget(address), opts: opts}
}

func (u *GRPCUnit) Target() string {
	return u.target
}

func (u *GRPCUnit) Create(ctx context.Context) error {
	if u.target == "" {
		return fmt.Errorf("node address is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, u.opts.DialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, u.opts.DialOptions...)
	conn, err := grpc.DialContext(dialCtx, u.target, dialOpts...)
	if err != nil {
		return fmt.Errorf("dial node grpc %s: %w", u.target, err)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return nil
}

// Conn returns the client connection for generated stubs.
func (u *GRPCUnit) Conn() (*grpc.ClientConn, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil, ErrNotConnected
	}
	return u.conn, nil
}

// Invoke performs a unary call without generated code.
func (u *GRPCUnit) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	conn, err := u.Conn()
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, method, in, out, opts...); err != nil {
		return fmt.Errorf("grpc %s failed: %w", method, err)
	}
	return nil
}

func (u *GRPCUnit) Ping(ctx context.Context) (bool, error) {
	conn, err := u.Conn()
	if err != nil {
		return false, err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: u.opts.HealthService})
	if err != nil {
		switch status.Code(err) {
		case codes.Unimplemented:
			state := conn.GetState()
			return state != connectivity.TransientFailure && state != connectivity.Shutdown, nil
		case codes.DeadlineExceeded:
			return false, fmt.Errorf("grpc health check: %w", context.DeadlineExceeded)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("grpc health check: %w", ctxErr)
		}
		return false, fmt.Errorf("grpc health check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (u *GRPCUnit) Terminate(context.Context) error {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close grpc connection: %w", err)
	}
	return nil
}

func normalizeGRPCTarget(nodeAddress string) string {
	trimmed := strings.TrimSpace(nodeAddress)
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "grpc://")
	return strings.TrimSpace(trimmed)
}
