// Package metrics exposes control-plane counters and gauges in Prometheus
// format. One Metrics instance serves the whole daemon; handlers and the
// launcher record into it directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's instruments with their registry so tests can
// build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RunsSubmitted *prometheus.CounterVec
	RunsFinished  *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec

	StreamSubscribers *prometheus.GaugeVec
	StreamLines       *prometheus.CounterVec

	CanaryHalts    *prometheus.CounterVec
	CanaryStageIdx prometheus.Gauge
}

// New builds a Metrics instance with its own registry, pre-registering the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_runs_submitted_total",
			Help: "Runs accepted by the launcher, by run type.",
		}, []string{"type"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_runs_finished_total",
			Help: "Runs reaching a terminal status, by type and status.",
		}, []string{"type", "status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		StreamSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockbot_stream_subscribers",
			Help: "Live stream subscribers, by stream kind.",
		}, []string{"kind"}),
		StreamLines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_stream_lines_total",
			Help: "Telemetry lines forwarded to subscribers, by stream kind.",
		}, []string{"kind"}),
		CanaryHalts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_canary_halts_total",
			Help: "Canary halts, by cause.",
		}, []string{"cause"}),
		CanaryStageIdx: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stockbot_canary_stage_idx",
			Help: "Current canary stage index of the live session.",
		}),
	}
}

// ObserveActiveRuns registers a gauge evaluated at scrape time, so the
// active-run count stays consistent with the run registry without hooks on
// every transition.
func (m *Metrics) ObserveActiveRuns(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stockbot_runs_active",
		Help: "Runs currently queued or running.",
	}, fn))
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
