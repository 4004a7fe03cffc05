// Package metrics wraps github.com/armon/go-metrics with package-level
// functions backed by a swappable global sink, so call sites never carry
// a *Client around.
package metrics

import (
	"net/http"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbarleon-org/R-Type-Server/pkg/log"
)

var (
	mu     sync.RWMutex
	global *gometrics.Metrics
)

// Init installs the process-wide metrics sink. serviceName tags every
// counter/gauge so the gateway and game server are distinguishable in
// Prometheus once scraped. Safe to call once at process startup; a
// second call replaces the sink.
func Init(serviceName string) error {
	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		return err
	}
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := gometrics.NewGlobal(cfg, sink)
	if err != nil {
		return err
	}
	mu.Lock()
	global = m
	mu.Unlock()
	return nil
}

func instance() *gometrics.Metrics {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// IncrCounter increments a named counter by val. A no-op before Init has
// been called, so components can call it unconditionally.
func IncrCounter(name string, val float32) {
	if m := instance(); m != nil {
		m.IncrCounter([]string{name}, val)
	}
}

// SetGauge records the instantaneous value of a named gauge.
func SetGauge(name string, val float32) {
	if m := instance(); m != nil {
		m.SetGauge([]string{name}, val)
	}
}

// MeasureSince records the elapsed time since start under name, for
// latency histograms (e.g. CREATE routing time, auth handshake time).
func MeasureSince(name string, start time.Time) {
	if m := instance(); m != nil {
		m.MeasureSince([]string{name}, start)
	}
}

// Serve starts an HTTP listener at addr exposing the Prometheus sink at
// /metrics, in the background. Call the returned server's Shutdown to
// stop it; a failed listener is logged, not fatal, since metrics
// exposure is diagnostic and must not take a process down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Str("addr", addr).Err(err).Msg("metrics: admin listener failed")
		}
	}()
	return srv
}

// IncrCounterWithLabels increments a counter tagged with dimension
// labels, for per-command or per-error-kind breakdowns.
func IncrCounterWithLabels(name string, val float32, labels map[string]string) {
	m := instance()
	if m == nil {
		return
	}
	lbls := make([]gometrics.Label, 0, len(labels))
	for k, v := range labels {
		lbls = append(lbls, gometrics.Label{Name: k, Value: v})
	}
	m.IncrCounterWithLabels([]string{name}, val, lbls)
}
