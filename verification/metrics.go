package verification

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomePromoted = "promoted"
	outcomeExpired  = "expired"
)

// Metrics - Prometheus collectors for the verification flow. A nil *Metrics is valid and records nothing.
type Metrics struct {
	started        prometheus.Counter
	resolved       *prometheus.CounterVec
	pending        prometheus.Gauge
	platformErrors *prometheus.CounterVec
	storeErrors    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botto",
			Name:      "verifications_started_total",
			Help:      "Verifications started by a qualifying reaction.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botto",
			Name:      "verifications_resolved_total",
			Help:      "Verifications resolved, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "botto",
			Name:      "verifications_pending",
			Help:      "Users currently inside the grace period.",
		}),
		platformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botto",
			Name:      "verification_platform_errors_total",
			Help:      "Failed Discord calls made while verifying, by operation.",
		}, []string{"op"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botto",
			Name:      "verification_store_errors_total",
			Help:      "Failed writes of the verification state.",
		}),
	}
	reg.MustRegister(m.started, m.resolved, m.pending, m.platformErrors, m.storeErrors)
	return m
}

func (m *Metrics) observeStart() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) observeResolved(outcome string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observePlatformError(op string) {
	if m == nil {
		return
	}
	m.platformErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observeStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
