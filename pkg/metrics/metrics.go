package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truthgate_requests_total",
			Help: "Total requests by surface and status class",
		},
		[]string{"surface", "status"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "truthgate_cache_hits_total",
			Help: "Cache hits across all entry classes",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "truthgate_cache_misses_total",
			Help: "Cache misses across all entry classes",
		},
	)

	CacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "truthgate_cache_invalidations_total",
			Help: "Tag invalidations fired",
		},
	)

	StaleRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "truthgate_stale_cache_retries_total",
			Help: "Gateway requests retried after tag invalidation",
		},
	)

	// Rate limiter metrics
	BansActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "truthgate_bans_active",
			Help: "Active bans by scope",
		},
		[]string{"scope"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truthgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by surface",
		},
		[]string{"surface"},
	)

	// Publish metrics
	PublishJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truthgate_publish_jobs_total",
			Help: "Publish jobs by outcome",
		},
		[]string{"outcome"},
	)

	IpnsPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truthgate_ipns_publishes_total",
			Help: "IPNS publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Certificate metrics
	CertIssuances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truthgate_cert_issuances_total",
			Help: "ACME issuance attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		CacheHits,
		CacheMisses,
		CacheInvalidations,
		StaleRetries,
		BansActive,
		RateLimited,
		PublishJobs,
		IpnsPublishes,
		CertIssuances,
	)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
