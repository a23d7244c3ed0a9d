package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds collectors shared by all connection sessions.
type SessionMetrics struct {
	Timeouts           prometheus.Counter
	Closed             *prometheus.CounterVec
	Anomalies          prometheus.Counter
	SendDuration       prometheus.Histogram
	ConnectionDuration prometheus.Histogram
}

// NewSessionMetrics creates and registers session metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "timeouts_total",
			Help:      "Sessions ended by the idle/max-life timer.",
		}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		Anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "unrecognized_frames_total",
			Help:      "Inbound frames of an unrecognized type.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "send_duration_seconds",
			Help:      "Time spent writing one count update to a client.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, 1, 5},
		}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of a connection session in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),
	}

	reg.MustRegister(m.Timeouts, m.Closed, m.Anomalies, m.SendDuration, m.ConnectionDuration)
	return m
}
