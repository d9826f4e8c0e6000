package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the announcer counters. A nil *Metrics records nothing.
type Metrics struct {
	announcements *prometheus.CounterVec
	silent        prometheus.Counter
	playFailures  prometheus.Counter
	connects      *prometheus.CounterVec
	connections   prometheus.Gauge
}

// NewMetrics registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		announcements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chiwawa_announcements_total",
			Help: "Announcements queued, by kind.",
		}, []string{"kind"}),
		silent: f.NewCounter(prometheus.CounterOpts{
			Name: "chiwawa_announcements_silent_total",
			Help: "Announcements skipped because they were muted or synthesis returned no audio.",
		}),
		playFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chiwawa_playback_failures_total",
			Help: "Clips that failed while playing.",
		}),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chiwawa_voice_connects_total",
			Help: "Voice connection attempts, by result.",
		}, []string{"result"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chiwawa_voice_connections",
			Help: "Open voice connections.",
		}),
	}
}

func (m *Metrics) announced(kind string) {
	if m != nil {
		m.announcements.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) skipped() {
	if m != nil {
		m.silent.Inc()
	}
}

func (m *Metrics) played(err error) {
	if m != nil && err != nil {
		m.playFailures.Inc()
	}
}

func (m *Metrics) connected(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connects.WithLabelValues("error").Inc()
		return
	}
	m.connects.WithLabelValues("ok").Inc()
	m.connections.Inc()
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.connections.Dec()
	}
}
