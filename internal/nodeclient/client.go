package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/VenkatGGG/nodepool/internal/proxy"
)

type Kind string

const (
	KindGRPC Kind = "grpc"
	KindWS   Kind = "ws"
	KindHTTP Kind = "http"
	KindNoop Kind = "noop"
)

var ErrUnknownKind = errors.New("unknown unit kind")

// New builds an uncreated unit of the given kind for address. The unit is
// dialed when its proxy calls Create.
func New(kind Kind, address string, timeout time.Duration) (proxy.Unit, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("node address is required")
	}
	switch Kind(strings.ToLower(strings.TrimSpace(string(kind)))) {
	case KindGRPC, "":
		return NewGRPCUnit(address, GRPCOptions{DialTimeout: timeout}), nil
	case KindWS:
		return NewWSUnit(address, WSOptions{CallTimeout: timeout}), nil
	case KindHTTP:
		return NewHTTPUnit(address, timeout), nil
	case KindNoop:
		return &NoopUnit{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// HTTPUnit talks to a node that exposes /healthz and JSON POST endpoints.
type HTTPUnit struct {
	address    string
	httpClient *http.Client
}

func NewHTTPUnit(address string, timeout time.Duration) *HTTPUnit {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUnit{
		address:    normalizeAddress(address),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (u *HTTPUnit) Address() string {
	return u.address
}

// Create checks that the node answers its health endpoint.
func (u *HTTPUnit) Create(ctx context.Context) error {
	alive, err := u.Ping(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("node %s is not healthy", u.address)
	}
	return nil
}

// Ping reports true on 2xx, false on 503 and an error for anything else.
func (u *HTTPUnit) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.address+"/healthz", nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, fmt.Errorf("health request returned %d", resp.StatusCode)
	}
}

// Post sends input as JSON to path and decodes the response into out when out
// is non-nil.
func (u *HTTPUnit) Post(ctx context.Context, path string, input, out any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := u.address + "/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (u *HTTPUnit) Terminate(context.Context) error {
	u.httpClient.CloseIdleConnections()
	return nil
}

func normalizeAddress(nodeAddress string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(nodeAddress), "/")
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "http://" + trimmed
}

// Call posts params to /v1/{method} on the node.
func (u *HTTPUnit) Call(ctx context.Context, method string, params, out any) error {
	method = strings.Trim(strings.TrimSpace(method), "/")
	if method == "" {
		return errors.New("method is required")
	}
	return u.Post(ctx, "/v1/"+method, params, out)
}

// Caller is implemented by units that accept named calls.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

var ErrCallUnsupported = errors.New("unit does not accept calls")

// CallOperation sends method with params to a Caller unit and returns the raw
// JSON result.
func CallOperation(method string, params any) proxy.Operation[proxy.Unit] {
	return func(ctx context.Context, unit proxy.Unit) (any, error) {
		caller, ok := unit.(Caller)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrCallUnsupported, unit)
		}
		var out json.RawMessage
		if err := caller.Call(ctx, method, params, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
