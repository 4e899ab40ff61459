package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for performed actions.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Collector records workflow session metrics.
type Collector struct {
	actions  *prometheus.CounterVec
	persist  *prometheus.HistogramVec
	pushes   *prometheus.CounterVec
	sessions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "contractflow",
				Name:      "actions_total",
				Help:      "Workflow actions attempted, by action, effective role and outcome.",
			},
			[]string{"action", "role", "outcome"},
		),
		persist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "contractflow",
				Name:      "persist_duration_seconds",
				Help:      "Latency of conditional record updates.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "contractflow",
				Name:      "pushes_total",
				Help:      "Record pushes received by sessions, by whether they replaced local state.",
			},
			[]string{"result"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "contractflow",
				Name:      "sessions_active",
				Help:      "Initialized workflow sessions.",
			},
		),
	}
	reg.MustRegister(c.actions, c.persist, c.pushes, c.sessions)
	return c
}

func (c *Collector) ActionPerformed(action, role, outcome string) {
	c.actions.WithLabelValues(action, role, outcome).Inc()
}

func (c *Collector) PersistObserved(d time.Duration, outcome string) {
	c.persist.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) PushReceived(applied bool) {
	result := "stale"
	if applied {
		result = "applied"
	}
	c.pushes.WithLabelValues(result).Inc()
}

func (c *Collector) SessionOpened() {
	c.sessions.Inc()
}

func (c *Collector) SessionClosed() {
	c.sessions.Dec()
}
