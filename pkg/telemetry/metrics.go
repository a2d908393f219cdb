// Package telemetry instruments a running node with Prometheus metrics
// (spec.md §4.6-§4.8): overlay neighborhood size, linearise/delegation
// counters, RPC outcome counters and latency, and DHT table size.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector a node reports to. It is
// safe for concurrent use from any goroutine, including the node's own
// event loop and the RPC substrate's connection goroutines.
type Metrics struct {
	registry *prometheus.Registry

	NeighborhoodSize prometheus.Gauge
	DHTEntries       prometheus.Gauge

	LineariseTotal  prometheus.Counter
	DelegationTotal prometheus.Counter

	RPCErrorsTotal   *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
}

// New registers and returns a fresh set of collectors under their own
// registry, so multiple nodes in the same process (see pkg/factory)
// don't collide on metric names.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		NeighborhoodSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighborhood_size",
			Help:      "Number of neighbors currently linearised into this node's skip graph.",
		}),
		DHTEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dht_entries",
			Help:      "Number of key/value entries currently owned by this node.",
		}),
		LineariseTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "linearise_total",
			Help:      "Total number of linearise calls accepted by this node.",
		}),
		DelegationTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Total number of neighbors this node has delegated to another neighbor.",
		}),
		RPCErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "Total RPC failures by error kind.",
		}, []string{"kind"}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "RPC call latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveRPC records the outcome and latency of a single outbound RPC
// call, to be called around every rpcsubstrate.Pool.Call/Proxy method.
func (m *Metrics) ObserveRPC(method string, start time.Time, errKind string) {
	m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if errKind != "" {
		m.RPCErrorsTotal.WithLabelValues(errKind).Inc()
	}
}

// Handler returns the HTTP handler that exposes this Metrics' registry
// in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CombinedHandler exposes every given Metrics' registry under a single
// /metrics endpoint, for a process that runs several nodes (see
// pkg/factory) each with its own namespaced registry.
func CombinedHandler(ms ...*Metrics) http.Handler {
	gatherers := make(prometheus.Gatherers, len(ms))
	for i, m := range ms {
		gatherers[i] = m.registry
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing handler at addr's /metrics
// endpoint, returning once ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
