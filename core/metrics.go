package core

// Metrics (ambient stack): structured JSON logging plus a Prometheus
// registry exposing node health. Grounded on the teacher's
// `system_health_logging.go` (`HealthLogger`, JSON-formatted logrus to
// a rotatable file, a `prometheus.Registry` of named gauges, a
// `promhttp` server) — re-pointed from `Coin`/`TxPool` (not part of
// this ledger model) onto `Ledger.Index()`, `Tangle.Len()`,
// `Requester.Pending()`, and the peer manager's connected-peer count;
// gauge names renamed from `synnergy_*` to `ion_node_*`.

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NodeMetrics is a point-in-time snapshot of node health.
type NodeMetrics struct {
	LedgerIndex      uint32 `json:"ledger_index"`
	TangleSize       int    `json:"tangle_size"`
	PendingBlocks    int    `json:"pending_blocks"`
	PendingMilestone int    `json:"pending_milestones"`
	PeerCount        int    `json:"peer_count"`
	MemAlloc         uint64 `json:"mem_alloc"`
	NumGoroutines    int    `json:"goroutines"`
	Timestamp        int64  `json:"timestamp"`
}

// HealthLogger records structured JSON health events and exposes a
// Prometheus scrape endpoint.
type HealthLogger struct {
	ledger    *Ledger
	tangle    *Tangle
	requester *Requester
	peers     *PeerManager

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry          *prometheus.Registry
	ledgerIndexGauge  prometheus.Gauge
	tangleSizeGauge   prometheus.Gauge
	pendingBlockGauge prometheus.Gauge
	pendingMsGauge    prometheus.Gauge
	peerCountGauge    prometheus.Gauge
	memAllocGauge     prometheus.Gauge
	goroutinesGauge   prometheus.Gauge
	errorCounter      prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path.
func NewHealthLogger(ledger *Ledger, tangle *Tangle, requester *Requester, peers *PeerManager, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{ledger: ledger, tangle: tangle, requester: requester, peers: peers, log: lg, file: f, registry: reg}

	h.ledgerIndexGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_ledger_index", Help: "Current confirmed milestone index"})
	h.tangleSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_tangle_size", Help: "Approximate number of in-memory blocks"})
	h.pendingBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_pending_block_requests", Help: "Outstanding block requests"})
	h.pendingMsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_pending_milestone_requests", Help: "Outstanding milestone requests"})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_peer_count", Help: "Number of connected peers"})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_mem_alloc_bytes", Help: "Current memory allocation in bytes"})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ion_node_goroutines", Help: "Number of running goroutines"})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "ion_node_log_errors_total", Help: "Total number of error events logged"})

	reg.MustRegister(
		h.ledgerIndexGauge,
		h.tangleSizeGauge,
		h.pendingBlockGauge,
		h.pendingMsGauge,
		h.peerCountGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message at the given level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// MetricsSnapshot gathers current metrics from the ledger, tangle,
// requester, peer manager and runtime.
func (h *HealthLogger) MetricsSnapshot() NodeMetrics {
	m := NodeMetrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.ledger != nil {
		if idx, err := h.ledger.Index(); err == nil {
			m.LedgerIndex = idx
		}
	}
	if h.tangle != nil {
		m.TangleSize = h.tangle.Len()
	}
	if h.requester != nil {
		m.PendingBlocks, m.PendingMilestone = h.requester.Pending()
	}
	if h.peers != nil {
		m.PeerCount = len(h.peers.Peers())
	}
	return m
}

// RecordMetrics captures the current snapshot and updates the
// Prometheus gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.ledgerIndexGauge.Set(float64(m.LedgerIndex))
	h.tangleSizeGauge.Set(float64(m.TangleSize))
	h.pendingBlockGauge.Set(float64(m.PendingBlocks))
	h.pendingMsGauge.Set(float64(m.PendingMilestone))
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until ctx is
// canceled; suitable for direct supervisor.Register.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return nil
		}
	}
}

// StartMetricsServer exposes the Prometheus registry on addr.
func (h *HealthLogger) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
