// Package metrics holds the engine's prometheus collectors. They register
// with the default registry and are served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skyfeed"

var (
	XRPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "xrpc_requests_total",
			Help:      "Authenticated XRPC calls by NSID and outcome.",
		},
		[]string{"nsid", "code"},
	)

	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refresh_total",
			Help:      "Session refresh attempts by result.",
		},
		[]string{"result"},
	)

	FeedCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_cache_lookups_total",
			Help:      "Feed cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	FeedPagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_pages_fetched_total",
			Help:      "Feed pages fetched by source kind.",
		},
		[]string{"kind"},
	)

	LikeMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "like_mutations_total",
			Help:      "Optimistic like mutations by action and result.",
		},
		[]string{"action", "result"},
	)

	FirehoseEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firehose_like_events_total",
			Help:      "Like events received from the firehose by operation.",
		},
		[]string{"operation"},
	)
)

// Code renders a status code label. Zero means the call produced no response.
func Code(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
