package report

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/example/valkey-loadgen/internal/sample"
)

// Exporter is the optional, strictly additive Prometheus endpoint (PART C):
// it mirrors the run's counters and gauges for external scraping but never
// gates the core load path — a scrape failure or a disabled endpoint has no
// effect on request dispatch.
//
// Thread Safety: safe for concurrent use.
type Exporter struct {
	mu sync.RWMutex

	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	currentQPS      prometheus.Gauge
	targetQPS       prometheus.Gauge
	activeWorkers   prometheus.Gauge
	disconnects     prometheus.Counter

	server  *http.Server
	ln      net.Listener
	running bool

	lastError error
}

// NewExporter builds an Exporter with its own registry, so it never
// conflicts with the default global one.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{registry: registry}
	e.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_requests_total",
		Help: "Total requests issued, labeled by outcome.",
	}, []string{"result"}) // ok, error, moved, clusterdown
	e.requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loadgen_request_duration_seconds",
		Help:    "Request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	e.currentQPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loadgen_current_qps",
		Help: "Aggregate current_qps ceiling across workers reporting to this process.",
	})
	e.targetQPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loadgen_target_qps",
		Help: "Configured end_qps (or qps, if no ramp) for this process.",
	})
	e.activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loadgen_active_workers",
		Help: "Number of worker processes launched for this run.",
	})
	e.disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "loadgen_client_disconnects_total",
		Help: "Total connection-disconnect signals observed.",
	})
	registry.MustRegister(e.requestsTotal, e.requestDuration, e.currentQPS, e.targetQPS, e.activeWorkers, e.disconnects)
	return e
}

// Start serves /metrics on addr (e.g. ":9090"). A no-op if already running.
func (e *Exporter) Start(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("report: starting prometheus endpoint: %w", err)
	}
	e.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.mu.Lock()
			e.lastError = err
			e.mu.Unlock()
		}
	}()

	e.running = true
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// RecordSuccess records one successful request's latency.
func (e *Exporter) RecordSuccess(latency time.Duration) {
	e.requestsTotal.WithLabelValues("ok").Inc()
	e.requestDuration.Observe(latency.Seconds())
}

// RecordError records one failed request, classified per §4.2.
func (e *Exporter) RecordError(kind sample.ErrorKind) {
	switch kind {
	case sample.ErrorMoved:
		e.requestsTotal.WithLabelValues("moved").Inc()
	case sample.ErrorClusterDown:
		e.requestsTotal.WithLabelValues("clusterdown").Inc()
	default:
		e.requestsTotal.WithLabelValues("error").Inc()
	}
}

// RecordDisconnect increments the disconnect counter.
func (e *Exporter) RecordDisconnect() {
	e.disconnects.Inc()
}

// UpdateQPS sets the current/target QPS gauges.
func (e *Exporter) UpdateQPS(current, target float64) {
	e.currentQPS.Set(current)
	e.targetQPS.Set(target)
}

// UpdateActiveWorkers sets the active-workers gauge.
func (e *Exporter) UpdateActiveWorkers(n int) {
	e.activeWorkers.Set(float64(n))
}

// LastError returns the last error the HTTP server encountered, if any.
func (e *Exporter) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Registry exposes the registry for testing.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Gather collects metric families, for testing.
func (e *Exporter) Gather() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
