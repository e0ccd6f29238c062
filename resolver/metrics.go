package resolver

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	cacheHit       prometheus.Counter
	cacheMiss      prometheus.Counter
	negativeHit    prometheus.Counter
	queriesIssued  prometheus.Counter
	queryTimeouts  prometheus.Counter
	serverFailures prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "cache_hit_total",
			Help:      "Positive cache hits.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "cache_miss_total",
			Help:      "Cache misses that triggered network resolution.",
		}),
		negativeHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "negative_cache_hit_total",
			Help:      "Negative cache hits.",
		}),
		queriesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "queries_issued_total",
			Help:      "Upstream queries sent.",
		}),
		queryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "query_timeout_total",
			Help:      "Upstream queries that timed out.",
		}),
		serverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "resolvex",
			Name:      "server_failure_total",
			Help:      "Upstream responses with a transient error rcode.",
		}),
	}
}

// RegisterMetrics registers the resolver's counters on reg.
func (r *Resolver) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		r.metrics.cacheHit,
		r.metrics.cacheMiss,
		r.metrics.negativeHit,
		r.metrics.queriesIssued,
		r.metrics.queryTimeouts,
		r.metrics.serverFailures,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
