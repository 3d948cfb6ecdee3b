package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"nhooyr.io/websocket"

	"github.com/VenkatGGG/nodepool/pkg/httpx"
)

// config is read from the NODEPOOL_* variables the docker infrastructure sets
// on every container it starts.
type config struct {
	NodeID        string
	AdvertiseAddr string
	ListenAddr    string
	UnitKind      string
	HTTPAddr      string
	GRPCAddr      string
	Version       string
}

type rpcRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type nodeInfo struct {
	NodeID        string    `json:"node_id"`
	AdvertiseAddr string    `json:"advertise_addr"`
	Version       string    `json:"version"`
	Serving       bool      `json:"serving"`
	BootedAt      time.Time `json:"booted_at"`
}

type agent struct {
	cfg      config
	health   *nodeHealth
	bootedAt time.Time
	logger   zerolog.Logger
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	cfg := loadConfig()
	a := &agent{
		cfg:      cfg,
		health:   newNodeHealth(),
		bootedAt: time.Now().UTC(),
		logger:   log.Logger.With().Str("component", "node-agent").Str("node_id", cfg.NodeID).Logger(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcAddr, httpAddr := cfg.ListenAddr, cfg.HTTPAddr
	if cfg.UnitKind == "http" || cfg.UnitKind == "ws" {
		grpcAddr, httpAddr = cfg.GRPCAddr, cfg.ListenAddr
	}

	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		a.logger.Fatal().Err(err).Str("addr", grpcAddr).Msg("grpc listen failed")
	}
	grpcServer := newGRPCServer(a.health)
	go func() {
		a.logger.Info().Str("addr", grpcAddr).Msg("grpc health listening")
		if err := grpcServer.Serve(grpcListener); err != nil {
			a.logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     a.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 30 * time.Second,
	}
	go func() {
		a.logger.Info().Str("addr", httpAddr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	a.health.Shutdown()
	shutdownHTTP(a.logger, httpServer)
	shutdownGRPC(grpcServer)
}

func loadConfig() config {
	nodeID := strings.TrimSpace(os.Getenv("NODEPOOL_NODE_ID"))
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil || strings.TrimSpace(hostname) == "" {
			nodeID = fmt.Sprintf("node-%d", time.Now().UnixNano())
		} else {
			nodeID = hostname
		}
	}
	listen := envOrDefault("NODEPOOL_LISTEN_ADDR", ":9091")
	return config{
		NodeID:        nodeID,
		AdvertiseAddr: envOrDefault("NODEPOOL_ADVERTISE_ADDR", listen),
		ListenAddr:    listen,
		UnitKind:      strings.ToLower(envOrDefault("NODEPOOL_UNIT_KIND", "grpc")),
		HTTPAddr:      envOrDefault("NODEPOOL_HTTP_ADDR", ":8091"),
		GRPCAddr:      envOrDefault("NODEPOOL_GRPC_ADDR", ":9092"),
		Version:       envOrDefault("NODEPOOL_NODE_VERSION", "dev"),
	}
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !a.health.Serving() {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, a.info())
	})
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var req struct {
			Serving bool `json:"serving"`
		}
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		a.health.Set(req.Serving)
		a.logger.Info().Bool("serving", req.Serving).Msg("health status changed")
		httpx.WriteJSON(w, http.StatusOK, a.info())
	})
	mux.HandleFunc("/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var params json.RawMessage
		if err := httpx.DecodeJSON(r, &params); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, params)
	})
	mux.HandleFunc("/rpc", a.handleRPC)
	mux.HandleFunc("/{$}", a.handleRPC)
	return mux
}

func (a *agent) info() nodeInfo {
	return nodeInfo{
		NodeID:        a.cfg.NodeID,
		AdvertiseAddr: a.cfg.AdvertiseAddr,
		Version:       a.cfg.Version,
		Serving:       a.health.Serving(),
		BootedAt:      a.bootedAt,
	}
}

// handleRPC serves JSON-RPC over a websocket: "info" describes the node and
// "echo" returns its params.
func (a *agent) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, message, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		resp := a.dispatch(req)
		raw, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
			return
		}
	}
}

func (a *agent) dispatch(req rpcRequest) rpcResponse {
	if !a.health.Serving() {
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32000, Message: "node is not serving"}}
	}
	switch req.Method {
	case "info":
		return rpcResponse{ID: req.ID, Result: a.info()}
	case "echo":
		if len(req.Params) == 0 {
			return rpcResponse{ID: req.ID, Result: map[string]any{}}
		}
		return rpcResponse{ID: req.ID, Result: req.Params}
	default:
		return rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
	}
}

func shutdownHTTP(logger zerolog.Logger, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
}

func shutdownGRPC(server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		server.Stop()
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
