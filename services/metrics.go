package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_transfers_dispatched_total",
		Help: "Processor transfers accepted, by dispatch kind",
	}, []string{"kind"})

	transferFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_transfer_failures_total",
		Help: "Processor transfer calls that failed, by dispatch kind",
	}, []string{"kind"})

	processorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payouts_processor_call_duration_seconds",
		Help:    "Processor call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"operation"})

	reconciledTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_reconciled_total",
		Help: "Reconciled processor transfers, by outcome",
	}, []string{"outcome"})

	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_job_runs_total",
		Help: "Payout job runs, by job and result",
	}, []string{"job", "result"})
)

const (
	kindBatch      = "batch"
	kindIndividual = "individual"
	kindRetry      = "retry"
)

func ObserveJobRun(job, result string) {
	jobRuns.WithLabelValues(job, result).Inc()
}
