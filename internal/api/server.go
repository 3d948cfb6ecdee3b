package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VenkatGGG/nodepool/internal/executor"
	"github.com/VenkatGGG/nodepool/internal/pool"
	"github.com/VenkatGGG/nodepool/internal/proxy"
	"github.com/VenkatGGG/nodepool/pkg/httpx"
)

// NodeSource is the part of a pool manager the HTTP surface drives.
type NodeSource interface {
	SourceID() string
	GetAliveNodes() []*pool.NodeRecord
	GetDownNodes() []*pool.NodeRecord
	GetCounts() pool.Counts
	ExecutorStats() executor.Stats
	ShuttingDown() bool
	AcquireNode(ctx context.Context, url string) (*pool.NodeRecord, error)
	RemoveNode(ctx context.Context, url string, forever bool) error
	SelectNodes(ctx context.Context, n int, script *pool.Script) ([]*pool.NodeRecord, error)
	FreeNode(ctx context.Context, url string) error
	ReleaseNode(ctx context.Context, url string) error
	Invoke(ctx context.Context, url string, op proxy.Operation[proxy.Unit]) (any, error)
	Shutdown(ctx context.Context) (bool, error)
}

type Options struct {
	// APIKey, when set, is required on every POST route.
	APIKey          string
	RateLimitPerMin int
	Logger          *zerolog.Logger
}

type Server struct {
	nodes          NodeSource
	requiredAPIKey string
	rateLimiter    *fixedWindowLimiter
	metrics        http.Handler
	logger         zerolog.Logger
}

func NewServer(nodes NodeSource, opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Server{
		nodes:          nodes,
		requiredAPIKey: opts.APIKey,
		metrics:        newMetricsHandler(nodes),
		logger:         logger.With().Str("component", "api").Logger(),
	}
	if opts.RateLimitPerMin > 0 {
		s.rateLimiter = newFixedWindowLimiter(opts.RateLimitPerMin, time.Minute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/nodes", s.handleNodes)
	mux.HandleFunc("/v1/nodes/counts", s.handleNodeCounts)
	mux.HandleFunc("/v1/nodes/acquire", s.handleNodeAcquire)
	mux.HandleFunc("/v1/nodes/select", s.handleNodeSelect)
	mux.HandleFunc("/v1/nodes/", s.handleNodeByURL)
	mux.HandleFunc("/v1/shutdown", s.handleShutdown)

	return s.withAPISecurity(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.nodes.ShuttingDown() {
		status = "shutting_down"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"source": s.nodes.SourceID(),
	})
}
