package order

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/boxoffice/internal/apperr"
)

const (
	MetricOrdersCreatedTotal = "orders_created_total"
	MetricCompensationsTotal = "compensations_total"
	MetricVoucherClaimsTotal = "voucher_claims_total"
)

// Metrics instruments order creation. A nil *Metrics records nothing.
type Metrics struct {
	orders        *prometheus.CounterVec
	compensations *prometheus.CounterVec
	voucherClaims *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOrdersCreatedTotal,
				Help: "Total number of order creation attempts by outcome",
			},
			[]string{"outcome"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCompensationsTotal,
				Help: "Total number of compensating actions by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		voucherClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVoucherClaimsTotal,
				Help: "Total number of voucher claims at checkout by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.orders, m.compensations, m.voucherClaims} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeOrder(err error) {
	if m == nil {
		return
	}
	outcome := "created"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	m.orders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCompensation(step string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.compensations.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) observeVoucher(outcome string) {
	if m == nil {
		return
	}
	m.voucherClaims.WithLabelValues(outcome).Inc()
}
