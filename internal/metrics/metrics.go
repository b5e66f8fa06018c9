package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_kafka_messages_total",
			Help: "Total messages consumed from Kafka.",
		},
		[]string{"topic", "afi", "action"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	RouteAddsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_route_adds_total",
			Help: "Routes added at a pipeline node.",
		},
		[]string{"afi", "node"},
	)

	RouteDeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_route_deletes_total",
			Help: "Routes deleted at a pipeline node.",
		},
		[]string{"afi", "node"},
	)

	DecisionWinnerChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_decision_winner_changes_total",
			Help: "Number of times decision picked a new winning route for a net.",
		},
		[]string{"afi"},
	)

	FanoutQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribd_fanout_queue_depth",
			Help: "Pending messages queued per fanout downstream branch.",
		},
		[]string{"afi", "branch"},
	)

	NextHopResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_nexthop_resolutions_total",
			Help: "Next-hop resolver lookups by outcome.",
		},
		[]string{"afi", "outcome"},
	)

	RibRequestRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_rib_request_retries_total",
			Help: "Retries issued against the RIB for register/deregister requests.",
		},
		[]string{"afi", "kind"},
	)

	Fib2mribRoutesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribd_fib2mrib_routes",
			Help: "Routes currently held by the FIB->MRIB redistributor.",
		},
		[]string{"afi", "protocol"},
	)

	Fib2mribRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribd_fib2mrib_rejected_total",
			Help: "FIB routes rejected by import policy.",
		},
		[]string{"afi", "reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribd_db_write_duration_seconds",
			Help:    "Audit DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	TransactionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribd_txn_duration_seconds",
			Help:    "Transactional batch commit latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"target", "outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		KafkaMessagesTotal,
		ParseErrorsTotal,
		RouteAddsTotal,
		RouteDeletesTotal,
		DecisionWinnerChangesTotal,
		FanoutQueueDepth,
		NextHopResolutionsTotal,
		RibRequestRetriesTotal,
		Fib2mribRoutesTotal,
		Fib2mribRejectedTotal,
		DBWriteDuration,
		TransactionDurationSeconds,
	)
}
