package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the node's in-process Prometheus surface (SPEC_FULL.md §6):
// owned by Node, exposed via Node.Metrics() for an embedding caller to
// bind an HTTP handler to however it sees fit. The core never listens
// on a metrics port itself.
type metrics struct {
	registry *prometheus.Registry

	vertexAdmitted  prometheus.Counter
	vertexRejected  *prometheus.CounterVec
	vertexFinalized prometheus.Counter
	vertexStuck     prometheus.Counter

	queriesSent     prometheus.Counter
	queriesAnswered prometheus.Counter

	peersActive prometheus.Gauge
	storeSize   prometheus.Gauge
	queueDepth  *prometheus.GaugeVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		registry: reg,
		vertexAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "store",
			Name:      "vertices_admitted_total",
			Help:      "Total vertices accepted into the Vertex Store.",
		}),
		vertexRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "store",
			Name:      "vertices_rejected_total",
			Help:      "Total vertices rejected by the Vertex Store, by reason.",
		}, []string{"reason"}),
		vertexFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "consensus",
			Name:      "vertices_finalized_total",
			Help:      "Total vertices that reached Finalized status.",
		}),
		vertexStuck: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "consensus",
			Name:      "vertices_stuck_total",
			Help:      "Total vertices that exceeded MaxRoundsPending without accepting.",
		}),
		queriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "dispatch",
			Name:      "queries_sent_total",
			Help:      "Total consensus preference queries sent to peers.",
		}),
		queriesAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qudag",
			Subsystem: "dispatch",
			Name:      "queries_answered_total",
			Help:      "Total consensus preference queries that received a timely reply.",
		}),
		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qudag",
			Subsystem: "peer",
			Name:      "active",
			Help:      "Current number of non-banned peers in the peer table.",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qudag",
			Subsystem: "store",
			Name:      "vertices",
			Help:      "Current number of admitted (non-pruned) vertices.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qudag",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current depth of a peer's outbound priority queue.",
		}, []string{"peer"}),
	}

	reg.MustRegister(
		m.vertexAdmitted,
		m.vertexRejected,
		m.vertexFinalized,
		m.vertexStuck,
		m.queriesSent,
		m.queriesAnswered,
		m.peersActive,
		m.storeSize,
		m.queueDepth,
	)
	return m
}
