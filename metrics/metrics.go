// Package metrics registers the Prometheus collectors shared by the
// chain, ingest, and ledger packages. The driver exposes them on
// /metrics via promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nftledger_rpc_requests_total", Help: "Provider RPC calls by outcome"},
		[]string{"method", "status"},
	)
	RangeBisections = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_range_bisections_total", Help: "Ranges split after oversize rejections"},
	)
	EventsInserted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_events_inserted_total", Help: "Transfer events newly persisted"},
	)
	EventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_events_duplicate_total", Help: "Transfer events skipped as already persisted"},
	)
	TimestampFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_timestamp_fallbacks_total", Help: "Blocks whose timestamp fell back to wall clock"},
	)
	GapsFound = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_gaps_found_total", Help: "Ledger gaps detected"},
	)
	GapsFilled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nftledger_gaps_filled_total", Help: "Ledger gaps refetched"},
	)
	SyncProcessedBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "nftledger_sync_processed_blocks", Help: "Blocks processed in the current run"},
		[]string{"contract"},
	)
	RebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "nftledger_rebuild_duration_seconds", Help: "Holder-state rebuild latency", Buckets: prometheus.DefBuckets},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequests, RangeBisections,
		EventsInserted, EventsDuplicate, TimestampFallbacks,
		GapsFound, GapsFilled, SyncProcessedBlocks, RebuildDuration,
	)
}
