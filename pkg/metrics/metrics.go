// Package metrics registers the engine's prometheus collectors. Everything
// is counter-shaped: the interesting rates (payments recorded, batch items
// failed, mortgages flagged) are derived at query time.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "mortgage_"

var (
	registerOnce sync.Once

	paymentsRecorded  *prometheus.CounterVec
	paymentsGenerated prometheus.Counter
	paymentsSettled   prometheus.Counter
	paymentsMissed    prometheus.Counter
	batchItemFailures *prometheus.CounterVec
	mortgagesFlagged  prometheus.Counter
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		paymentsRecorded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payments_recorded_total",
				Help: "User-initiated payments recorded, by classification",
			},
			[]string{"type"},
		)
		paymentsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "payments_generated_total",
			Help: "Scheduled payments materialized by the daily generator",
		})
		paymentsSettled = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "payments_settled_total",
			Help: "Scheduled payments settled against the ledger",
		})
		paymentsMissed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "payments_missed_total",
			Help: "Scheduled payments marked missed by the overdue pass",
		})
		batchItemFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_item_failures_total",
				Help: "Per-mortgage failures skipped by batch jobs, by job",
			},
			[]string{"job"},
		)
		mortgagesFlagged = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "mortgages_flagged_total",
			Help: "Mortgages quarantined by reconciliation",
		})

		prometheus.MustRegister(
			paymentsRecorded, paymentsGenerated, paymentsSettled,
			paymentsMissed, batchItemFailures, mortgagesFlagged,
		)
	})
}

func PaymentRecorded(paymentType string) {
	if paymentsRecorded != nil {
		paymentsRecorded.WithLabelValues(paymentType).Inc()
	}
}

func PaymentGenerated() {
	if paymentsGenerated != nil {
		paymentsGenerated.Inc()
	}
}

func PaymentSettled() {
	if paymentsSettled != nil {
		paymentsSettled.Inc()
	}
}

func PaymentMarkedMissed() {
	if paymentsMissed != nil {
		paymentsMissed.Inc()
	}
}

func BatchItemFailed(job string) {
	if batchItemFailures != nil {
		batchItemFailures.WithLabelValues(job).Inc()
	}
}

func MortgageFlagged() {
	if mortgagesFlagged != nil {
		mortgagesFlagged.Inc()
	}
}
