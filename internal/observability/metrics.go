// Package observability exposes the daemon's Prometheus metrics. The queue
// core records counters as it works; gauge values are sampled from the
// session registry at scrape time.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnqueuedTotal counts durably committed queue items by kind.
	EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_queue_enqueued_total",
		Help: "Queue items durably enqueued, by kind.",
	}, []string{"kind"})

	// SessionsDeletedTotal counts completed session deletions.
	SessionsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sessions_deleted_total",
		Help: "Sessions deleted, including stale-session sweeps.",
	})

	// StaleSweepsTotal counts stale-session sweep runs.
	StaleSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_stale_sweeps_total",
		Help: "Background stale-session sweep executions.",
	})
)

// GaugeSource is the snapshot surface the registry exposes for scraping.
type GaugeSource interface {
	ActiveSessionCount() int
	ActiveConsumerCount() int
}

// RegisterSessionGauges wires registry-backed gauge functions. Call once at
// daemon start.
func RegisterSessionGauges(source GaugeSource) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "warden_active_sessions",
		Help: "Sessions currently held in memory.",
	}, func() float64 { return float64(source.ActiveSessionCount()) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "warden_active_consumers",
		Help: "Sessions with an outstanding consumer stream.",
	}, func() float64 { return float64(source.ActiveConsumerCount()) })
}
