package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VenkatGGG/nodepool/internal/pool"
	"github.com/VenkatGGG/nodepool/pkg/httpx"
)

// nodeSourceCollector reads the source at scrape time so every sample is a
// consistent snapshot of the manager's maps.
type nodeSourceCollector struct {
	nodes NodeSource

	stateTotal    *prometheus.Desc
	verdictTotal  *prometheus.Desc
	oldestDown    *prometheus.Desc
	execRunning   *prometheus.Desc
	execQueued    *prometheus.Desc
	execCompleted *prometheus.Desc
	execFailed    *prometheus.Desc
	shuttingDown  *prometheus.Desc
}

func newNodeSourceCollector(nodes NodeSource) *nodeSourceCollector {
	return &nodeSourceCollector{
		nodes: nodes,
		stateTotal: prometheus.NewDesc("nodepool_nodes_state_total",
			"Node count by state", []string{"source", "state"}, nil),
		verdictTotal: prometheus.NewDesc("nodepool_nodes_script_verdict_total",
			"Alive nodes by cached script verdict", []string{"source", "script", "verdict"}, nil),
		oldestDown: prometheus.NewDesc("nodepool_nodes_oldest_down_seconds",
			"Age of the oldest down node", []string{"source"}, nil),
		execRunning: prometheus.NewDesc("nodepool_executor_running",
			"Tasks running on the source executor", []string{"source"}, nil),
		execQueued: prometheus.NewDesc("nodepool_executor_queued",
			"Tasks waiting on the source executor", []string{"source"}, nil),
		execCompleted: prometheus.NewDesc("nodepool_executor_completed_total",
			"Tasks finished on the source executor, failed ones included", []string{"source"}, nil),
		execFailed: prometheus.NewDesc("nodepool_executor_failed_total",
			"Tasks that returned an error or panicked", []string{"source"}, nil),
		shuttingDown: prometheus.NewDesc("nodepool_source_shutting_down",
			"Whether the source is shutting down", []string{"source"}, nil),
	}
}

func (c *nodeSourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateTotal
	ch <- c.verdictTotal
	ch <- c.oldestDown
	ch <- c.execRunning
	ch <- c.execQueued
	ch <- c.execCompleted
	ch <- c.execFailed
	ch <- c.shuttingDown
}

func (c *nodeSourceCollector) Collect(ch chan<- prometheus.Metric) {
	source := c.nodes.SourceID()
	counts := c.nodes.GetCounts()
	for state, n := range map[pool.NodeState]int{
		pool.NodeStateFree:         counts.Free,
		pool.NodeStateBusy:         counts.Busy,
		pool.NodeStateToBeReleased: counts.ToBeReleased,
		pool.NodeStateDown:         counts.Down,
	} {
		ch <- prometheus.MustNewConstMetric(c.stateTotal, prometheus.GaugeValue, float64(n), source, string(state))
	}

	type verdictKey struct {
		script  string
		verdict pool.Verdict
	}
	verdicts := make(map[verdictKey]int)
	for _, rec := range c.nodes.GetAliveNodes() {
		for script, verdict := range rec.Verdicts() {
			verdicts[verdictKey{script: script, verdict: verdict}]++
		}
	}
	for key, n := range verdicts {
		ch <- prometheus.MustNewConstMetric(c.verdictTotal, prometheus.GaugeValue, float64(n),
			source, key.script, string(key.verdict))
	}

	var oldest time.Duration
	now := time.Now().UTC()
	for _, rec := range c.nodes.GetDownNodes() {
		if age := now.Sub(rec.StateChangedAt()); age > oldest {
			oldest = age
		}
	}
	ch <- prometheus.MustNewConstMetric(c.oldestDown, prometheus.GaugeValue, oldest.Seconds(), source)

	stats := c.nodes.ExecutorStats()
	ch <- prometheus.MustNewConstMetric(c.execRunning, prometheus.GaugeValue, float64(stats.Running), source)
	ch <- prometheus.MustNewConstMetric(c.execQueued, prometheus.GaugeValue, float64(stats.Queued), source)
	ch <- prometheus.MustNewConstMetric(c.execCompleted, prometheus.CounterValue, float64(stats.Completed), source)
	ch <- prometheus.MustNewConstMetric(c.execFailed, prometheus.CounterValue, float64(stats.Failed), source)

	shutting := 0.0
	if c.nodes.ShuttingDown() {
		shutting = 1
	}
	ch <- prometheus.MustNewConstMetric(c.shuttingDown, prometheus.GaugeValue, shutting, source)
}

func newMetricsHandler(nodes NodeSource) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newNodeSourceCollector(nodes))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	s.metrics.ServeHTTP(w, r)
}
