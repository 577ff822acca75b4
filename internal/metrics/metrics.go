package metrics

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Toggles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_toggles_total",
		Help: "Total toggle operations applied locally",
	}, []string{"kind", "direction"})
	CoalescedToggles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_toggles_coalesced_total",
		Help: "Toggles absorbed into an already-pending operation",
	})
	Rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_rollbacks_total",
		Help: "Optimistic mutations rolled back after remote failure",
	}, []string{"kind"})
	RemoteRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_remote_retries_total",
		Help: "Total remote call retry attempts",
	}, []string{"op"})
	FetchJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_fetch_joins_total",
		Help: "Fetches that joined an in-flight request instead of issuing one",
	})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_cache_hits_total",
		Help: "Feed cache hits by tier",
	}, []string{"tier"})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_cache_misses_total",
		Help: "Feed cache misses resolved against the remote store",
	})
	ReconcileAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_reconcile_adjustments_total",
		Help: "Counter adjustments applied by the reconciler",
	}, []string{"field"})
	ReconcileClamps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tally_reconcile_clamps_total",
		Help: "Counter adjustments clamped at zero",
	})
)

func init() {
	prometheus.MustRegister(
		Toggles, CoalescedToggles, Rollbacks, RemoteRetries,
		FetchJoins, CacheHits, CacheMisses,
		ReconcileAdjustments, ReconcileClamps,
	)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("TALLY_METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// IncRemoteRetry increments the retry counter for a remote operation.
func IncRemoteRetry(op string) { RemoteRetries.WithLabelValues(op).Inc() }
