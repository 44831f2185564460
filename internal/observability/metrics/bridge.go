package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Byte counter path labels.
const (
	PathCaptured = "captured"
	PathRendered = "rendered"
	PathMirrored = "mirrored"
)

// BridgeMetrics contains Prometheus metrics for bridge sessions. It
// implements bridge.Recorder.
type BridgeMetrics struct {
	registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	streamState      prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	overrunsTotal    prometheus.Counter
	readErrorsTotal  prometheus.Counter
	openRetriesTotal prometheus.Counter
	bytesTotal       *prometheus.CounterVec
}

// NewBridgeMetrics creates and registers bridge metrics.
func NewBridgeMetrics(registry *prometheus.Registry) (*BridgeMetrics, error) {
	m := &BridgeMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bridge metrics: %w", err)
	}
	return m, nil
}

func (m *BridgeMetrics) initMetrics() {
	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sessions_started_total",
			Help: "Total number of bridge sessions started",
		},
		[]string{"engine"},
	)

	m.streamState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_stream_state",
		Help: "Current stream state code (0 stopped, 1 connecting, 2 waiting, 3 streaming, 4 idling)",
	})

	m.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_state_transitions_total",
			Help: "Total number of stream state announcements",
		},
		[]string{"state"},
	)

	m.overrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ring_overruns_total",
		Help: "Total number of captured periods dropped because the ring was full",
	})

	m.readErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_capture_read_errors_total",
		Help: "Total number of failed gadget capture reads",
	})

	m.openRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_capture_open_retries_total",
		Help: "Total number of gadget capture open retry sweeps",
	})

	m.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_audio_bytes_total",
			Help: "Total number of audio bytes moved per path",
		},
		[]string{"path"}, // captured, rendered, mirrored
	)
}

// SessionStarted counts a session using the named engine variant.
func (m *BridgeMetrics) SessionStarted(engine string) {
	m.sessionsTotal.WithLabelValues(engine).Inc()
}

// RecordState sets the state gauge and counts the transition.
func (m *BridgeMetrics) RecordState(code int, name string) {
	m.streamState.Set(float64(code))
	m.stateTransitions.WithLabelValues(name).Inc()
}

func (m *BridgeMetrics) RecordOverrun()   { m.overrunsTotal.Inc() }
func (m *BridgeMetrics) RecordReadError() { m.readErrorsTotal.Inc() }
func (m *BridgeMetrics) RecordOpenRetry() { m.openRetriesTotal.Inc() }

func (m *BridgeMetrics) AddCaptured(bytes int) { m.addBytes(PathCaptured, bytes) }
func (m *BridgeMetrics) AddRendered(bytes int) { m.addBytes(PathRendered, bytes) }
func (m *BridgeMetrics) AddMirrored(bytes int) { m.addBytes(PathMirrored, bytes) }

func (m *BridgeMetrics) addBytes(path string, bytes int) {
	if bytes <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(path).Add(float64(bytes))
}

// Describe implements the prometheus.Collector interface.
func (m *BridgeMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionsTotal.Describe(ch)
	ch <- m.streamState.Desc()
	m.stateTransitions.Describe(ch)
	ch <- m.overrunsTotal.Desc()
	ch <- m.readErrorsTotal.Desc()
	ch <- m.openRetriesTotal.Desc()
	m.bytesTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *BridgeMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionsTotal.Collect(ch)
	ch <- m.streamState
	m.stateTransitions.Collect(ch)
	ch <- m.overrunsTotal
	ch <- m.readErrorsTotal
	ch <- m.openRetriesTotal
	m.bytesTotal.Collect(ch)
}
