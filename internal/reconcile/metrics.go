package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/boxoffice/internal/payment"
)

const (
	MetricPaymentTransitionsTotal = "payment_transitions_total"
	MetricRefundsRequiredTotal    = "payment_manual_refunds_required_total"
)

// Metrics counts applied payment transitions and paid orders that need a
// manual refund. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	refundsRequired prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPaymentTransitionsTotal,
				Help: "Total number of applied payment status transitions",
			},
			[]string{"from", "to"},
		),
		refundsRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRefundsRequiredTotal,
				Help: "Total number of paid orders flagged because some tickets could not be issued",
			},
		),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.transitions, m.refundsRequired} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeTransition(from, to payment.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) observeRefundFlag() {
	if m == nil {
		return
	}
	m.refundsRequired.Inc()
}
