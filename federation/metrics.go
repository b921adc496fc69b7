package federation

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts federation traffic. A nil *Metrics records nothing.
type Metrics struct {
	inbox      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	fetches    *prometheus.CounterVec
	enqueued   prometheus.Counter
}

// NewMetrics creates the federation counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbox: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Subsystem: "inbox",
			Name:      "requests_total",
			Help:      "Inbox deliveries by final state.",
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Subsystem: "outbox",
			Name:      "attempts_total",
			Help:      "Outbound delivery attempts by outcome.",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tusk",
			Subsystem: "resolver",
			Name:      "fetches_total",
			Help:      "Remote fetches by kind and result.",
		}, []string{"kind", "result"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tusk",
			Subsystem: "outbox",
			Name:      "jobs_enqueued_total",
			Help:      "Delivery jobs created.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbox, m.deliveries, m.fetches, m.enqueued)
	}
	return m
}

func (m *Metrics) inboxResult(state InboxState) {
	if m == nil {
		return
	}
	m.inbox.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) deliveryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) fetch(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) jobsEnqueued(n int) {
	if m == nil {
		return
	}
	m.enqueued.Add(float64(n))
}
