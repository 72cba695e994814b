package broadcast

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fanout"

// metrics is nil when no Registerer was configured; every method is a no-op then.
type metrics struct {
	active  prometheus.Gauge
	created prometheus.Counter
	emits   prometheus.Counter
	dropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"broadcaster": name}
	return &metrics{
		active: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "broadcast",
			Name:        "subscriptions_active",
			Help:        "Number of subscriptions currently registered",
			ConstLabels: labels,
		})),
		created: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "broadcast",
			Name:        "subscriptions_total",
			Help:        "Total subscriptions created",
			ConstLabels: labels,
		})),
		emits: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "broadcast",
			Name:        "emits_total",
			Help:        "Total values emitted",
			ConstLabels: labels,
		})),
		dropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "broadcast",
			Name:        "dropped_total",
			Help:        "Total values discarded by bounded subscription buffers",
			ConstLabels: labels,
		})),
	}
}

// register returns the collector already registered under the same
// descriptor, so two broadcasters with the same name share series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) subscribed() {
	if m == nil {
		return
	}
	m.created.Inc()
	m.active.Inc()
}

func (m *metrics) unsubscribed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.active.Sub(float64(n))
}

func (m *metrics) emitted(dropped int) {
	if m == nil {
		return
	}
	m.emits.Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}
