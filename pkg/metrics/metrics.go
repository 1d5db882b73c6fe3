// Package metrics provides Prometheus metrics for the tabkeeper daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b/tabkeeper/pkg/tabs"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TabsRemoved     *prometheus.CounterVec
	HostErrors      *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec
	Tabs            *prometheus.GaugeVec
	PanelsConnected prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TabsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabkeeper_tabs_removed_total",
				Help: "Tabs removed by policy.",
			},
			[]string{"reason"},
		),
		HostErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabkeeper_host_errors_total",
				Help: "Failed host calls by operation.",
			},
			[]string{"op"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabkeeper_sweep_duration_seconds",
				Help:    "Duration of one sweep pass.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
		Tabs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tabkeeper_tabs",
				Help: "Last computed tab counts by kind.",
			},
			[]string{"kind"},
		),
		PanelsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabkeeper_panels_connected",
				Help: "Control panels currently subscribed to count updates.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.TabsRemoved,
		m.HostErrors,
		m.SweepDuration,
		m.Tabs,
		m.PanelsConnected,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TabRemoved(reason string) {
	if m == nil {
		return
	}
	m.TabsRemoved.WithLabelValues(reason).Inc()
}

func (m *Metrics) HostError(op string) {
	if m == nil {
		return
	}
	m.HostErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

func (m *Metrics) SetCounts(c tabs.Counts) {
	if m == nil {
		return
	}
	m.Tabs.WithLabelValues("total").Set(float64(c.Total))
	m.Tabs.WithLabelValues("unloaded").Set(float64(c.Unloaded))
	m.Tabs.WithLabelValues("unused").Set(float64(c.Unused))
}

func (m *Metrics) SetPanels(n int) {
	if m == nil {
		return
	}
	m.PanelsConnected.Set(float64(n))
}
