// Package metrics holds the prometheus collectors of the relayer. They are
// registered in the default registry and served by the API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_withdrawals_total",
			Help: "Withdrawal requests by result",
		},
		[]string{"result"},
	)

	ProofVerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_proof_verify_seconds",
		Help:    "Groth16 proof verification duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	TreeLeaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_tree_leaves",
		Help: "Number of commitments in the tree",
	})

	IndexerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_indexer_cycles_total",
			Help: "Indexer polling cycles by result",
		},
		[]string{"result"},
	)

	IndexerMalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_indexer_malformed_events_total",
		Help: "Contract events skipped because they could not be parsed",
	})

	RootUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_root_updates_total",
			Help: "On-chain root updates by result",
		},
		[]string{"result"},
	)

	ChainRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_chain_request_seconds",
			Help:    "Stacks API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	PublishedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_published_events_total",
			Help: "Events published to the event bus by topic and result",
		},
		[]string{"topic", "result"},
	)
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)
