package followup

// Metric names for stats tracker.
const (
	MetricHit         = "followup_cache_hit"
	MetricMiss        = "followup_cache_miss"
	MetricExpired     = "followup_cache_expired"
	MetricStaleVer    = "followup_cache_version_stale"
	MetricWrite       = "followup_cache_write"
	MetricItems       = "followup_cache_items"
	MetricInvalidated = "followup_cache_invalidated"

	MetricFetch      = "followup_gateway_fetch"
	MetricFetchBatch = "followup_gateway_fetch_batch"

	MetricReconciled      = "followup_ledger_reconciled"
	MetricReconcileRetry  = "followup_ledger_reconcile_retry"
	MetricReconcileFailed = "followup_ledger_reconcile_failed"
	MetricEvicted         = "followup_ledger_evicted"

	MetricClassify   = "followup_classify_run"
	MetricSuperseded = "followup_classify_superseded"
)
