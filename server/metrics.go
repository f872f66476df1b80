package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the storage server's Prometheus collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec // by op, result
	PathTruncations prometheus.Counter
	Connections     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg if it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringoram_server_requests_total",
			Help: "Requests handled, by operation and result.",
		}, []string{"op", "result"}),
		PathTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringoram_server_path_truncations_total",
			Help: "READ_PATH responses whose block data was cut to the payload limit.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringoram_server_connections_total",
			Help: "Client connections accepted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.PathTruncations, m.Connections)
	}
	return m
}
