package ticket

import "github.com/prometheus/client_golang/prometheus"

const MetricTicketScansTotal = "ticket_scans_total"

// Scan outcomes.
const (
	OutcomeScanned   = "scanned"
	OutcomeRescanned = "rescanned"
	OutcomeExpired   = "expired"
	OutcomeInvalid   = "invalid"
	OutcomeNotActive = "not_active"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Metrics counts gate scans by outcome. A nil *Metrics records nothing.
type Metrics struct {
	scans *prometheus.CounterVec
}

// NewMetrics creates unregistered scan metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTicketScansTotal,
				Help: "Total number of ticket verification attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.scans)
}

func (m *Metrics) observe(res *ScanResult, err error) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(scanOutcome(res, err)).Inc()
}
