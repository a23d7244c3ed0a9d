package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery outcomes recorded by the registry's fan-out.
const (
	DeliveryDelivered = "delivered"
	DeliveryDropped   = "dropped"
	DeliveryMissing   = "missing"
)

// RegistryMetrics holds collectors owned by the session registry.
type RegistryMetrics struct {
	ActiveSubscribers   prometheus.Gauge
	ActiveKeys          prometheus.Gauge
	Deliveries          *prometheus.CounterVec
	Registrations       *prometheus.CounterVec
	CommandQueueDepth   prometheus.Gauge
	InvariantViolations prometheus.Counter
	Panics              prometheus.Counter
}

// NewRegistryMetrics creates and registers registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_active",
			Help:      "Total active subscribers across all keys.",
		}),
		ActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_keys",
			Help:      "Number of keys with at least one subscriber.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Count updates offered to subscribers, by result (delivered/dropped/missing).",
		}, []string{"result"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Registration attempts, by result.",
		}, []string{"result"}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "command_queue_depth",
			Help:      "Commands waiting in the registry control queue.",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "invariant_violations_total",
			Help:      "Unregister requests for subscribers the registry does not know.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "panics_total",
			Help:      "Panics recovered in the registry control loop.",
		}),
	}

	reg.MustRegister(
		m.ActiveSubscribers,
		m.ActiveKeys,
		m.Deliveries,
		m.Registrations,
		m.CommandQueueDepth,
		m.InvariantViolations,
		m.Panics,
	)
	return m
}
