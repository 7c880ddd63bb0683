// Package metrics exposes recorder activity as Prometheus collectors.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reel"

// Metrics holds the recorder's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	UnitsCaptured  *prometheus.CounterVec
	UnitsDropped   *prometheus.CounterVec
	PacketsEncoded *prometheus.CounterVec
	BytesWritten   prometheus.Counter
	DriftWarnings  prometheus.Counter
	ReplayRetained prometheus.Gauge
	ReplaySegments prometheus.Gauge
	ReplaySaves    *prometheus.CounterVec
	State          prometheus.Gauge
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered, by an earlier recorder in the same process, are
// shared. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	m.UnitsCaptured = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_captured_total",
		Help:      "Frames and audio chunks produced by capture sources.",
	}, []string{"source"}))
	m.UnitsDropped = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_dropped_total",
		Help:      "Units discarded by a full pipeline queue.",
	}, []string{"queue"}))
	m.PacketsEncoded = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_encoded_total",
		Help:      "Encoded packets produced, by stream kind.",
	}, []string{"kind"}))
	m.ReplaySaves = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replay_saves_total",
		Help:      "Replay saves by result.",
	}, []string{"result"}))
	m.BytesWritten = register(reg, &errs, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_written_total",
		Help:      "Bytes written to the live output.",
	}))
	m.DriftWarnings = register(reg, &errs, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_warnings_total",
		Help:      "Times audio and video drifted beyond tolerance.",
	}))
	m.ReplayRetained = register(reg, &errs, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "replay_retained_seconds",
		Help:      "Media duration held by the replay buffer.",
	}))
	m.ReplaySegments = register(reg, &errs, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "replay_segments",
		Help:      "Closed segments held by the replay buffer.",
	}))
	m.State = register(reg, &errs, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "state",
		Help:      "Recorder state: 0 idle, 1 starting, 2 recording, 3 stopping, 4 stopped, 5 error.",
	}))
	return m, errors.Join(errs...)
}

func register[T prometheus.Collector](reg prometheus.Registerer, errs *[]error, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errs = append(*errs, err)
	}
	return c
}

// Captured counts n units from source.
func (m *Metrics) Captured(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnitsCaptured.WithLabelValues(source).Add(float64(n))
}

// Dropped counts n units discarded by queue.
func (m *Metrics) Dropped(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnitsDropped.WithLabelValues(queue).Add(float64(n))
}

// Encoded counts one packet of kind.
func (m *Metrics) Encoded(kind string) {
	if m == nil {
		return
	}
	m.PacketsEncoded.WithLabelValues(kind).Inc()
}

// Written counts n bytes of live output.
func (m *Metrics) Written(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// Drift counts one drift warning.
func (m *Metrics) Drift() {
	if m == nil {
		return
	}
	m.DriftWarnings.Inc()
}

// Replay sets the replay buffer gauges.
func (m *Metrics) Replay(retainedSeconds float64, segments int) {
	if m == nil {
		return
	}
	m.ReplayRetained.Set(retainedSeconds)
	m.ReplaySegments.Set(float64(segments))
}

// Saved counts one replay save; err decides the result label.
func (m *Metrics) Saved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReplaySaves.WithLabelValues(result).Inc()
}

// SetState records the recorder state as its ordinal.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}
