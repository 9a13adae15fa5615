// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	tradesAnalyzed      = metrics.NewCounter("trades_analyzed_total")
	tradesExecuted      = metrics.NewCounter("trades_executed_total")
	tradesProtected     = metrics.NewCounter("trades_protected_total")
	tradesBlocked       = metrics.NewCounter("trades_blocked_total")
	attacksRecorded     = metrics.NewCounter("attack_patterns_recorded_total")
	bundlesSubmitted    = metrics.NewCounter("bundles_submitted_total")
	bundlesLanded       = metrics.NewCounter("bundles_landed_total")
	bundlesFailed       = metrics.NewCounter("bundles_failed_total")
	bundlesUnconfirmed  = metrics.NewCounter("bundles_unconfirmed_total")
	queueFullTrades     = metrics.NewCounter("trades_queue_full_total")
	queuePopStaleTrades = metrics.NewCounter("trades_queue_pop_stale_item_total")
)

func IncTradesAnalyzed() {
	tradesAnalyzed.Inc()
}

func IncTradesExecuted() {
	tradesExecuted.Inc()
}

func IncTradesProtected() {
	tradesProtected.Inc()
}

func IncTradesBlocked() {
	tradesBlocked.Inc()
}

func IncAttacksRecorded() {
	attacksRecorded.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesLanded() {
	bundlesLanded.Inc()
}

func IncBundlesFailed() {
	bundlesFailed.Inc()
}

func IncBundlesUnconfirmed() {
	bundlesUnconfirmed.Inc()
}

func IncQueueFullTrades() {
	queueFullTrades.Inc()
}

func IncQueuePopStaleTrades() {
	queuePopStaleTrades.Inc()
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method="%s"}`, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failure_total{method="%s"}`, method)).Inc()
}

func RecordTradeAddQueueDuration(duration int64) {
	metrics.GetOrCreateSummary("trade_add_queue_duration_milliseconds").Update(float64(duration))
}

func RecordTradeProcessDuration(duration int64) {
	metrics.GetOrCreateSummary("trade_process_duration_milliseconds").Update(float64(duration))
}

func RecordBundleSubmitDuration(duration int64) {
	metrics.GetOrCreateSummary("bundle_submit_duration_milliseconds").Update(float64(duration))
}
