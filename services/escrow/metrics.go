package escrow

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Webhooks       *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	PayoutFailures prometheus.Counter
	Drift          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_webhooks_total",
			Help: "Payment gateway webhooks by outcome",
		}, []string{"event_type", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow custody status changes",
		}, []string{"from", "to"}),
		PayoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_payout_failures_total",
			Help: "Payouts that ended in failed",
		}),
		Drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_reconcile_drift_total",
			Help: "Escrows whose custody state disagrees with the gateway",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Webhooks, m.Transitions, m.PayoutFailures, m.Drift)
	return m
}
