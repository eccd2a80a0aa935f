package pool

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the pool's prometheus instruments.
type Metrics struct {
	Rounds        prometheus.Counter
	Timeouts      prometheus.Counter
	Retirements   prometheus.Counter
	StaleMessages prometheus.Counter
	RoundDuration prometheus.Histogram
	ReadyRanks    prometheus.Gauge
}

// NewMetrics creates the instruments and registers them on reg, which
// may be nil to keep them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpool",
			Name:      "rounds_total",
			Help:      "Barrier rounds completed by this rank.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpool",
			Name:      "timeouts_total",
			Help:      "Ranks declared Timeout by this rank.",
		}),
		Retirements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpool",
			Name:      "retirements_total",
			Help:      "Ranks observed retiring as Done.",
		}),
		StaleMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpool",
			Name:      "stale_messages_total",
			Help:      "Messages discarded because of an epoch mismatch or a bad encoding.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ftpool",
			Name:      "round_duration_seconds",
			Help:      "Time spent in Barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ReadyRanks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpool",
			Name:      "ready_ranks",
			Help:      "Ranks marked Ready in the local mask.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Rounds, m.Timeouts, m.Retirements, m.StaleMessages, m.RoundDuration, m.ReadyRanks)
	}
	return m
}
