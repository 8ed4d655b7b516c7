package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	dispenses    *prometheus.CounterVec
	dispensedML  prometheus.Counter
	txRetries    *prometheus.CounterVec
	txExhausted  *prometheus.CounterVec
	stockChanges *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobSuccess   *prometheus.CounterVec
	jobFailure   *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispense_total",
			Help: "Terminal dispense attempts by result code.",
		}, []string{"result"}),
		dispensedML: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispensed_volume_ml_total",
			Help: "Total volume dispensed.",
		}),
		txRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tx_retries_total",
			Help: "Transactions retried after a serialization conflict.",
		}, []string{"op"}),
		txExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tx_retries_exhausted_total",
			Help: "Transactions abandoned after the retry bound.",
		}, []string{"op"}),
		stockChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_stock_changes_total",
			Help: "Warehouse stock movements by kind.",
		}, []string{"kind"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_notifications_total",
			Help: "Web push deliveries by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of housekeeping jobs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_success",
			Help: "Successful housekeeping job executions.",
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_failure",
			Help: "Failed housekeeping job executions.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.httpRequests, m.httpLatency, m.dispenses, m.dispensedML,
		m.txRetries, m.txExhausted, m.stockChanges, m.pushes,
		m.jobDuration, m.jobSuccess, m.jobFailure)
	return m
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	route = normalizeLabel(route)
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveDispense counts a dispense; volume is only added on success.
func (m *Metrics) ObserveDispense(result string, volume float64) {
	if m == nil || m.dispenses == nil {
		return
	}
	m.dispenses.WithLabelValues(normalizeLabel(result)).Inc()
	if result == "ok" && volume > 0 {
		m.dispensedML.Add(volume)
	}
}

func (m *Metrics) IncTxRetry(op string) {
	if m == nil || m.txRetries == nil {
		return
	}
	m.txRetries.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *Metrics) IncTxExhausted(op string) {
	if m == nil || m.txExhausted == nil {
		return
	}
	m.txExhausted.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *Metrics) IncStock(kind string) {
	if m == nil || m.stockChanges == nil {
		return
	}
	m.stockChanges.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncPush(outcome string) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveJob records one housekeeping run.
func (m *Metrics) ObserveJob(job string, d time.Duration, err error) {
	if m == nil || m.jobDuration == nil {
		return
	}
	job = normalizeLabel(job)
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.jobFailure.WithLabelValues(job).Inc()
		return
	}
	m.jobSuccess.WithLabelValues(job).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
