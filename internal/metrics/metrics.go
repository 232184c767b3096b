package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relay"

// Service holds the relay's prometheus collectors on a dedicated registry.
type Service struct {
	Registry *prometheus.Registry

	Submissions     *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	Replacements    *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	OracleFallbacks *prometheus.CounterVec
	PurgedRecords   prometheus.Counter
	ActiveRecords   prometheus.Gauge
	BreakerState    prometheus.Gauge
	RPCRequests     *prometheus.CounterVec
}

func New() *Service {
	reg := prometheus.NewRegistry()

	s := &Service{
		Registry: reg,
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Accepted and rejected transaction submissions.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Record status transitions.",
		}, []string{"from", "to"}),
		Replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replacements_total",
			Help:      "Broadcast replacements by kind (reprice, noop, nonce_refresh, gap_fill).",
		}, []string{"kind"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_rejections_total",
			Help:      "Broadcasts refused by the node by rejection class.",
		}, []string{"class"}),
		OracleFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_oracle_fallback_total",
			Help:      "Gas price lookups served from a fallback because the oracle was unreachable.",
		}, []string{"source"}),
		PurgedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Records deleted after the retention window.",
		}),
		ActiveRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_records",
			Help:      "Records seen in a non-terminal status by the last watcher pass.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_circuit_breaker_state",
			Help:      "Node RPC circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Node RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.Submissions,
		s.Transitions,
		s.Replacements,
		s.Rejections,
		s.OracleFallbacks,
		s.PurgedRecords,
		s.ActiveRecords,
		s.BreakerState,
		s.RPCRequests,
	)

	return s
}
