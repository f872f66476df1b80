package ringoram

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	StashSize       prometheus.Gauge
	Accesses        *prometheus.CounterVec // by op
	NetworkLegs     *prometheus.CounterVec // by leg
	AbsorbedErrors  *prometheus.CounterVec // by leg
	Evictions       prometheus.Counter
	EarlyReshuffles prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StashSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringoram_stash_blocks",
			Help: "Number of plaintext blocks currently held in the client stash.",
		}),
		Accesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringoram_accesses_total",
			Help: "Oblivious accesses performed, by operation.",
		}, []string{"op"}),
		NetworkLegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringoram_network_legs_total",
			Help: "Backend round trips issued, by protocol operation.",
		}, []string{"leg"}),
		AbsorbedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringoram_absorbed_errors_total",
			Help: "Leg failures logged and absorbed without failing the access.",
		}, []string{"leg"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringoram_evictions_total",
			Help: "EvictPath runs.",
		}),
		EarlyReshuffles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringoram_early_reshuffles_total",
			Help: "Buckets rewritten by early reshuffle.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.StashSize, m.Accesses, m.NetworkLegs, m.AbsorbedErrors, m.Evictions, m.EarlyReshuffles)
	}
	return m
}
