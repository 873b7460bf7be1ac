package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "career_agent"

// Metrics holds the Prometheus collectors for the broker and the stream
// coordinator. All methods are safe on a nil receiver.
type Metrics struct {
	published        *prometheus.CounterVec
	delivered        *prometheus.CounterVec
	unrouted         *prometheus.CounterVec
	subscribers      prometheus.Gauge
	capacityExceeded prometheus.Counter

	streamsActive prometheus.Gauge
	streamsOpened prometheus.Counter
	frames        *prometheus.CounterVec
	teardowns     *prometheus.CounterVec
	violations    prometheus.Counter
}

// MustNew builds the collectors and registers them with reg. A collector
// that is already registered is reused, so tests may share a registry.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "published_total",
			Help: "Events published to the broker, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "delivered_total",
			Help: "Handler invocations performed by the broker, by kind.",
		}, []string{"kind"}),
		unrouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "unrouted_total",
			Help: "Events published while the topic had no subscriber.",
		}, []string{"kind"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broker", Name: "subscriptions",
			Help: "Live broker subscriptions.",
		}),
		capacityExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "capacity_exceeded_total",
			Help: "Subscriptions registered past the per-topic subscriber limit.",
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "active",
			Help: "Open client streams.",
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "opened_total",
			Help: "Client streams accepted.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_total",
			Help: "Frames written to clients, by event name.",
		}, []string{"event"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "teardowns_total",
			Help: "Stream teardowns, by reason.",
		}, []string{"reason"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "protocol_violations_total",
			Help: "Deliveries attempted after a stream was closed.",
		}),
	}

	m.published = register(reg, m.published)
	m.delivered = register(reg, m.delivered)
	m.unrouted = register(reg, m.unrouted)
	m.subscribers = register(reg, m.subscribers)
	m.capacityExceeded = register(reg, m.capacityExceeded)
	m.streamsActive = register(reg, m.streamsActive)
	m.streamsOpened = register(reg, m.streamsOpened)
	m.frames = register(reg, m.frames)
	m.teardowns = register(reg, m.teardowns)
	m.violations = register(reg, m.violations)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) Unrouted(kind string) {
	if m == nil {
		return
	}
	m.unrouted.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) CapacityExceeded() {
	if m == nil {
		return
	}
	m.capacityExceeded.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsOpened.Inc()
	m.streamsActive.Inc()
}

// StreamClosed records the end of a stream and why it ended.
func (m *Metrics) StreamClosed(reason string) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameWritten(event string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(event).Inc()
}

func (m *Metrics) ProtocolViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}
