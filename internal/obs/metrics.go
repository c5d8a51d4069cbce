package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthzDecisions counts authorization evaluations by outcome (granted/denied).
	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// AuthzDuration measures full authorization evaluation latency, cache hits included.
	AuthzDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_evaluation_duration_seconds",
		Help:    "Authorization evaluation latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// CacheLookups counts permission cache lookups by backend and result (hit/miss).
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_lookups_total",
			Help: "Permission cache lookups by backend and result.",
		},
		[]string{"backend", "result"},
	)

	// AuditEntries counts entries appended to the audit chain.
	AuditEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Audit log entries appended to the hash chain.",
	})

	// AuditVerifyFailures counts failed chain verification runs.
	AuditVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_verify_failures_total",
		Help: "Audit chain verification runs that detected a violation.",
	})

	// EventsIngested counts platform event ingestions by result
	// (stored/deduplicated/failed).
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_events_ingested_total",
			Help: "Platform events ingested by result.",
		},
		[]string{"result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		AuthzDecisions,
		AuthzDuration,
		CacheLookups,
		AuditEntries,
		AuditVerifyFailures,
		EventsIngested,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
