// Package metrics exposes the Prometheus collectors the admin surface
// serves at /metrics (§9 design note: observability is ambient, not a
// named module). Counter and histogram label shapes mirror the calls
// the teacher's resolver package made against its own metrics package
// (DNSLookupErrors.WithLabelValues(...).Inc(), RecordQueryMetrics) —
// that package was not itself part of the retrieved sources, so the
// collectors below are rebuilt from the call sites rather than copied.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueriesTotal counts completed queries by terminal rcode.
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcompassd",
		Name:      "queries_total",
		Help:      "DNS queries handled, by response code.",
	}, []string{"rcode"})

	// ScriptErrorsTotal counts route() invocations that failed and
	// were converted into a ServFail response (§7).
	ScriptErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dcompassd",
		Name:      "script_errors_total",
		Help:      "route() invocations that raised an error.",
	})

	// CacheResultsTotal counts cache outcomes by policy and result
	// (hit_fresh, hit_stale, miss), incremented directly by
	// internal/cache the way the teacher's internal/resolver calls
	// straight into its own metrics package.
	CacheResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcompassd",
		Name:      "cache_results_total",
		Help:      "Cache lookups by policy and outcome.",
	}, []string{"policy", "result"})

	// UpstreamLatency observes per-upstream resolve latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dcompassd",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream resolve latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tag"})

	// HybridRaceOutcomes counts hybrid resolutions by which child
	// answered first and whether the race as a whole succeeded.
	HybridRaceOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcompassd",
		Name:      "hybrid_race_outcomes_total",
		Help:      "Hybrid upstream race outcomes, by winning tag and verdict.",
	}, []string{"tag", "verdict"})
)

// Registry bundles the collectors above for handoff to the admin
// server's /metrics endpoint (internal/admin).
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(QueriesTotal, ScriptErrorsTotal, CacheResultsTotal, UpstreamLatency, HybridRaceOutcomes)
	return reg
}
