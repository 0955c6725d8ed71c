// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Trigger results used as the "result" label of shaman_triggers_total.
const (
	TriggerSuccess             = "success"
	TriggerFailed              = "failed"
	TriggerInsufficientBalance = "insufficient_balance"
	TriggerScriptUnavailable   = "script_unavailable"
	TriggerNotFound            = "not_found"
	TriggerUnavailable         = "unavailable"
	TriggerUnbilled            = "unbilled"
)

var (
	initOnce sync.Once

	triggersTotalCounter     *prometheus.CounterVec
	executionFailuresCounter *prometheus.CounterVec
	executionDurationMetric  prometheus.Histogram
	ledgerConflictsCounter   prometheus.Counter
	contentRetriesCounter    *prometheus.CounterVec
	webhookDeliveriesCounter *prometheus.CounterVec
	tokensPurchasedCounter   prometheus.Counter
	lockWaitDurationMetric   prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		triggersTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_triggers_total",
				Help: "Total number of trigger requests by result.",
			},
			[]string{"result"},
		)

		executionFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_execution_failures_total",
				Help: "Failed script executions by failure kind.",
			},
			[]string{"kind"},
		)

		executionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shaman_execution_duration_seconds",
				Help:    "Duration of sandboxed script executions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		ledgerConflictsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shaman_ledger_write_conflicts_total",
				Help: "Ledger transactions retried after a write conflict.",
			},
		)

		contentRetriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_content_retries_total",
				Help: "Content store operations retried by operation.",
			},
			[]string{"op"},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shaman_webhook_deliveries_total",
				Help: "Trigger webhook deliveries by result.",
			},
			[]string{"result"},
		)

		tokensPurchasedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shaman_tokens_purchased_total",
				Help: "Execution tokens sold through the bonding curve.",
			},
		)

		lockWaitDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shaman_lock_wait_seconds",
				Help:    "Time spent waiting for the per-shaman lock.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			triggersTotalCounter,
			executionFailuresCounter,
			executionDurationMetric,
			ledgerConflictsCounter,
			contentRetriesCounter,
			webhookDeliveriesCounter,
			tokensPurchasedCounter,
			lockWaitDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, result := range []string{
			TriggerSuccess,
			TriggerFailed,
			TriggerInsufficientBalance,
			TriggerScriptUnavailable,
			TriggerNotFound,
			TriggerUnavailable,
		} {
			triggersTotalCounter.WithLabelValues(result)
		}
	})
}

func IncTrigger(result string) {
	Init()
	triggersTotalCounter.WithLabelValues(result).Inc()
}

func IncExecutionFailure(kind string) {
	Init()
	executionFailuresCounter.WithLabelValues(kind).Inc()
}

func ObserveExecutionDuration(d time.Duration) {
	Init()
	executionDurationMetric.Observe(d.Seconds())
}

func IncLedgerConflict() {
	Init()
	ledgerConflictsCounter.Inc()
}

func IncContentRetry(op string) {
	Init()
	contentRetriesCounter.WithLabelValues(op).Inc()
}

func IncWebhookDelivery(result string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(result).Inc()
}

func AddTokensPurchased(n uint64) {
	Init()
	tokensPurchasedCounter.Add(float64(n))
}

func ObserveLockWait(d time.Duration) {
	Init()
	lockWaitDurationMetric.Observe(d.Seconds())
}
