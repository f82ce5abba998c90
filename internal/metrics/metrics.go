// Package metrics exposes Prometheus collectors for the output framing
// path. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "spdyout"

// Metrics groups the collectors updated by output filters.
type Metrics struct {
	framesTotal         *prometheus.CounterVec
	dataBytesTotal      prometheus.Counter
	adapterErrorsTotal  *prometheus.CounterVec
	invariantViolations prometheus.Counter
	sinkFailuresTotal   prometheus.Counter
	streamsOpen         prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames emitted by stream output adapters, by frame type",
			},
			[]string{"type"},
		),
		dataBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_bytes_total",
			Help:      "Body bytes carried in DATA frames",
		}),
		adapterErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Request-scoped adapter failures, by kind",
			},
			[]string{"kind"},
		),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Framing contract violations by the output pipeline",
		}),
		sinkFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Frame batches rejected by the transport sink",
		}),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_open",
			Help:      "Streams whose response has started but not finished",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.framesTotal, m.dataBytesTotal, m.adapterErrorsTotal,
			m.invariantViolations, m.sinkFailuresTotal, m.streamsOpen,
		} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("metrics: register collector: %w", err)
			}
		}
	}
	return m, nil
}

// FrameEmitted counts one frame of the given type. dataLen is the DATA
// payload size, zero for other frames.
func (m *Metrics) FrameEmitted(frameType string, dataLen int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(frameType).Inc()
	if dataLen > 0 {
		m.dataBytesTotal.Add(float64(dataLen))
	}
}

func (m *Metrics) AdapterError(kind string) {
	if m == nil {
		return
	}
	m.adapterErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

func (m *Metrics) SinkFailure() {
	if m == nil {
		return
	}
	m.sinkFailuresTotal.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsOpen.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsOpen.Dec()
}
