// Package metrics holds the Prometheus collectors shared by the chat
// components. Collectors register on the default registry at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatty",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatty",
		Subsystem: "cache",
		Name:      "invalidated_keys_total",
		Help:      "Keys removed by explicit invalidation.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatty",
		Subsystem: "pubsub",
		Name:      "published_total",
		Help:      "Events handed to the broker, by kind and result.",
	}, []string{"kind", "result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatty",
		Subsystem: "pubsub",
		Name:      "evicted_subscribers_total",
		Help:      "Subscribers closed because their buffer was full.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatty",
		Subsystem: "pubsub",
		Name:      "subscribers",
		Help:      "Currently attached local subscribers.",
	})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatty",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter outcomes by operation and state.",
	}, []string{"operation", "state"})

	LiveUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatty",
		Subsystem: "presence",
		Name:      "live_users",
		Help:      "Users present in a chatroom at the last snapshot.",
	}, []string{"chatroom"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatty",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open WebSocket connections.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
