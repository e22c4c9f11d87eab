package shm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "shmtransport"

// Metrics holds the Prometheus collectors for regions.
type Metrics struct {
	Operations   *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	MappedBytes  prometheus.Gauge
	BoundRegions prometheus.Gauge
	Transfers    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "region_operations_total",
				Help:      "Region operations by name",
			},
			[]string{"op"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "region_failures_total",
				Help:      "Failed region operations by name and error kind",
			},
			[]string{"op", "kind"},
		),
		MappedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mapped_bytes",
			Help:      "Bytes currently mapped by this process",
		}),
		BoundRegions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bound_regions",
			Help:      "Regions currently holding a native handle",
		}),
		Transfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transfers_total",
				Help:      "Handles shared to other processes",
			},
			[]string{"method"},
		),
	}
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op).Inc()
	if err != nil {
		m.Failures.WithLabelValues(op, KindOf(err).String()).Inc()
	}
}

func (m *Metrics) mapped(delta int64) {
	if m == nil {
		return
	}
	m.MappedBytes.Add(float64(delta))
}

func (m *Metrics) bound(delta float64) {
	if m == nil {
		return
	}
	m.BoundRegions.Add(delta)
}

func (m *Metrics) transferred(method string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(method).Inc()
}
