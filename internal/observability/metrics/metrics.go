// Package metrics exposes AgentBounty counters and histograms on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector of the daemon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TasksCreatedTotal  *prometheus.CounterVec
	TasksFinishedTotal *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec

	ApprovalTransitionsTotal *prometheus.CounterVec
	PaymentsTotal            *prometheus.CounterVec
	PaymentVolumeUSD         prometheus.Counter

	RateLimitRejectionsTotal prometheus.Counter
	ServerStartTime          prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbounty_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbounty_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),

		TasksCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbounty_tasks_created_total",
			Help: "Tasks created, by agent type.",
		}, []string{"agent_type"}),

		TasksFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbounty_tasks_finished_total",
			Help: "Task executions that reached a terminal state.",
		}, []string{"agent_type", "status"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbounty_task_duration_seconds",
			Help:    "Agent execution time in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"agent_type"}),

		ApprovalTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbounty_approval_transitions_total",
			Help: "Approval requests entering a state.",
		}, []string{"status"}),

		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbounty_payments_total",
			Help: "Payment authorizations, by outcome.",
		}, []string{"outcome"}),

		PaymentVolumeUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbounty_payment_volume_usd_total",
			Help: "USD value of settled payments.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbounty_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbounty_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TasksCreatedTotal,
		m.TasksFinishedTotal,
		m.TaskDuration,
		m.ApprovalTransitionsTotal,
		m.PaymentsTotal,
		m.PaymentVolumeUSD,
		m.RateLimitRejectionsTotal,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTPRequest records one request against its route pattern.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// TaskCreated counts a newly persisted task.
func (m *Metrics) TaskCreated(agentType string) {
	if m == nil {
		return
	}
	m.TasksCreatedTotal.WithLabelValues(agentType).Inc()
}

// TaskFinished records a terminal execution outcome.
func (m *Metrics) TaskFinished(agentType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinishedTotal.WithLabelValues(agentType, status).Inc()
	m.TaskDuration.WithLabelValues(agentType).Observe(elapsed.Seconds())
}

// ApprovalTransition counts an approval request entering status.
func (m *Metrics) ApprovalTransition(status string) {
	if m == nil {
		return
	}
	m.ApprovalTransitionsTotal.WithLabelValues(status).Inc()
}

// PaymentSettled counts a confirmed settlement of amountUSD.
func (m *Metrics) PaymentSettled(amountUSD float64) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues("settled").Inc()
	m.PaymentVolumeUSD.Add(amountUSD)
}

// PaymentRejected counts an authorization refused before or during settlement.
func (m *Metrics) PaymentRejected(reason string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(reason).Inc()
}

// IncRateLimitRejection counts a throttled request.
func (m *Metrics) IncRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.Inc()
}
