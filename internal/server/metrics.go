package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "proxy_requests_total",
		Help:      "Relayed requests by endpoint and upstream status.",
	}, []string{"endpoint", "status"})

	tokensSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "tokens_settled_total",
		Help:      "Adjusted tokens charged across all accounts.",
	})
)
