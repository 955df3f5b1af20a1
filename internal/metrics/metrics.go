// Package metrics exposes Prometheus counters for capture and delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netmon"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultSkip  = "skipped"
)

type Metrics struct {
	registry *prometheus.Registry

	ExchangesCaptured prometheus.Counter
	// ExchangesSkipped is labelled by reason: disabled, filtered, collector.
	ExchangesSkipped *prometheus.CounterVec
	ExchangesDropped prometheus.Counter
	PersistErrors    prometheus.Counter
	UploadCycles     *prometheus.CounterVec
	RecordsDelivered prometheus.Counter
	StreamEmits      *prometheus.CounterVec
	StreamQueue      prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ExchangesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_captured_total",
			Help:      "Exchanges captured and queued for persistence",
		}),
		ExchangesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_skipped_total",
			Help:      "Exchanges passed through without capture",
		}, []string{"reason"}),
		ExchangesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_dropped_total",
			Help:      "Captured exchanges dropped because the persistence queue was full",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed store inserts",
		}),
		UploadCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_cycles_total",
			Help:      "Batch upload cycles by result",
		}, []string{"result"}),
		RecordsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Records accepted by the batch collector",
		}),
		StreamEmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_emits_total",
			Help:      "Real-time emits by result",
		}, []string{"result"}),
		StreamQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_queue_depth",
			Help:      "Records waiting for the real-time connection",
		}),
	}
	r.MustRegister(
		m.ExchangesCaptured,
		m.ExchangesSkipped,
		m.ExchangesDropped,
		m.PersistErrors,
		m.UploadCycles,
		m.RecordsDelivered,
		m.StreamEmits,
		m.StreamQueue,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// UploadResult counts one finished upload cycle.
func (m *Metrics) UploadResult(delivered int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.UploadCycles.WithLabelValues(ResultError).Inc()
		return
	}
	if delivered == 0 {
		m.UploadCycles.WithLabelValues(ResultSkip).Inc()
		return
	}
	m.UploadCycles.WithLabelValues(ResultOK).Inc()
	m.RecordsDelivered.Add(float64(delivered))
}

// EmitResult counts one real-time emit attempt.
func (m *Metrics) EmitResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StreamEmits.WithLabelValues(ResultError).Inc()
		return
	}
	m.StreamEmits.WithLabelValues(ResultOK).Inc()
}

// QueueDepth records the real-time queue length.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.StreamQueue.Set(float64(n))
}
