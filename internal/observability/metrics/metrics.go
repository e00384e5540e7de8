package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector exported by the trust client. All methods
// are safe to call on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Oracle attempts by endpoint and outcome code
	OracleCalls   *prometheus.CounterVec
	OracleLatency *prometheus.HistogramVec

	// Ledger transactions by contract method and outcome
	LedgerTxs         *prometheus.CounterVec
	LedgerFinality    *prometheus.HistogramVec
	AnchorOperations  *prometheus.CounterVec
	AggregatorStates  *prometheus.CounterVec
	OperationOutcomes *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_oracle_requests_total",
			Help: "Scoring oracle attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		OracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustnet_oracle_request_duration_seconds",
			Help:    "Duration of a single scoring oracle attempt",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"endpoint"}),
		LedgerTxs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_ledger_transactions_total",
			Help: "Ledger transactions by method and outcome",
		}, []string{"method", "outcome"}),
		LedgerFinality: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustnet_ledger_finality_seconds",
			Help:    "Time from dispatch to confirmed inclusion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60, 120},
		}, []string{"method"}),
		AnchorOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_anchor_operations_total",
			Help: "Content store put/get calls by driver and outcome",
		}, []string{"driver", "op", "outcome"}),
		AggregatorStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_aggregator_transitions_total",
			Help: "Score aggregator state transitions by target state",
		}, []string{"state"}),
		OperationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_operations_total",
			Help: "Finished background operations by kind and status",
		}, []string{"kind", "status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustnet_http_requests_total",
			Help: "HTTP requests served by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustnet_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Registry exposes the underlying registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOracleCall(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OracleCalls.WithLabelValues(endpoint, outcome).Inc()
	m.OracleLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) IncLedgerTx(method, outcome string) {
	if m != nil {
		m.LedgerTxs.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) ObserveFinality(method string, d time.Duration) {
	if m != nil {
		m.LedgerFinality.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) IncAnchor(driver, op, outcome string) {
	if m != nil {
		m.AnchorOperations.WithLabelValues(driver, op, outcome).Inc()
	}
}

func (m *Metrics) IncTransition(state string) {
	if m != nil {
		m.AggregatorStates.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) IncOperation(kind, status string) {
	if m != nil {
		m.OperationOutcomes.WithLabelValues(kind, status).Inc()
	}
}

// ObserveHTTPRequest records a served request.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route, method).Observe(d.Seconds())
}
