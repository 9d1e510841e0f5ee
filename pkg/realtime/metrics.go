package realtime

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes realtime statistics to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mu sync.Mutex

	eventsTotal      *prometheus.CounterVec
	malformedTotal   prometheus.Counter
	submissionsTotal *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter
	subscriptions    prometheus.Gauge
	connected        prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newRealtimeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pocketbase",
			Subsystem: "realtime",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newRealtimeCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pocketbase",
		Subsystem: "realtime",
		Name:      name,
		Help:      help,
	})
}

func newRealtimeGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pocketbase",
		Subsystem: "realtime",
		Name:      name,
		Help:      help,
	})
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		eventsTotal:      newRealtimeCounterVec("events_total", "Total number of events read from the realtime stream", []string{"result"}),
		malformedTotal:   newRealtimeCounter("malformed_messages_total", "Total number of events dropped because their payload is not a record change"),
		submissionsTotal: newRealtimeCounterVec("submissions_total", "Total number of subscription submissions", []string{"result"}),
		reconnectsTotal:  newRealtimeCounter("reconnects_total", "Total number of stream reconnection attempts"),
		subscriptions:    newRealtimeGauge("subscriptions", "Number of topics currently subscribed"),
		connected:        newRealtimeGauge("connected", "Whether a connection id is currently assigned"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.eventsTotal,
		m.malformedTotal,
		m.submissionsTotal,
		m.reconnectsTotal,
		m.subscriptions,
		m.connected,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return errors.Wrap(err, "register realtime metrics")
		}
	}

	m.registered = true

	return nil
}

func (m *Metrics) event(handled bool) {
	if m == nil {
		return
	}

	result := "dispatched"
	if !handled {
		result = "unhandled"
	}

	m.eventsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}

	m.malformedTotal.Inc()
}

func (m *Metrics) submission(err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.submissionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}

	m.reconnectsTotal.Inc()
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}

	m.subscriptions.Set(float64(n))
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}

	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
