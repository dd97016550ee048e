package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP requests partitioned by method, route pattern and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hq_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hq_http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// outcome: created, replayed, failed
	TicketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_tickets_issued_total",
			Help: "Ticket issuance attempts by outcome",
		},
		[]string{"outcome"},
	)

	AllocationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hq_allocation_retries_total",
			Help: "Sequence allocations retried after a unique constraint race",
		},
	)

	// outcome: called, empty, busy, conflict, error
	CallNextOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_call_next_total",
			Help: "Call-next requests by outcome",
		},
		[]string{"outcome"},
	)

	RejectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_rejected_transitions_total",
			Help: "Ticket transitions rejected because of the current status",
		},
		[]string{"action"},
	)

	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_relay_events_total",
			Help: "Outbox events relayed by sink and result",
		},
		[]string{"sink", "result"},
	)

	DisplaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hq_display_sessions",
			Help: "Connected display sessions",
		},
	)

	// result: hit, miss, error
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hq_cache_lookups_total",
			Help: "Read-through cache lookups by view and result",
		},
		[]string{"view", "result"},
	)
)
