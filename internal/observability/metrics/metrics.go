// Package metrics exposes the node's Prometheus collectors on a dedicated
// registry so tests and embedded nodes never clash on global registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intentmesh"

// Metrics 汇总节点的全部指标。
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	events      *prometheus.CounterVec
	active      prometheus.Gauge
	peers       prometheus.Gauge
	steps       *prometheus.HistogramVec
	settlement  *prometheus.HistogramVec
	forwarded   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// New 创建指标集合并注册到独立的 registry。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Intent state transitions by role and edge.",
		}, []string{"role", "from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Intents that reached Failed, by reason.",
		}, []string{"role", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_events_total",
			Help:      "Inbound mesh events by kind and routing outcome.",
		}, []string{"kind", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_intents",
			Help:      "Intents currently held by the registry.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Peers recorded in the peer book.",
		}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Lifecycle step duration by step and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "outcome"}),
		settlement: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_phase_seconds",
			Help:      "Settlement adapter call duration by phase and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"phase", "outcome"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_forwarded_total",
			Help:      "Notifications handed to external sinks by sink and outcome.",
		}, []string{"sink", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"handler", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		m.transitions, m.failures, m.events, m.active, m.peers,
		m.steps, m.settlement, m.forwarded, m.requests, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition 记录一次状态迁移。
func (m *Metrics) ObserveTransition(role, from, to, reason string) {
	m.transitions.WithLabelValues(role, from, to).Inc()
	if reason != "" {
		m.failures.WithLabelValues(role, reason).Inc()
	}
}

// ObserveEvent 记录入站事件的处理结果。
func (m *Metrics) ObserveEvent(kind, outcome string) {
	m.events.WithLabelValues(kind, outcome).Inc()
}

// SetActiveIntents 更新活跃意图数量。
func (m *Metrics) SetActiveIntents(n int) { m.active.Set(float64(n)) }

// SetPeers 更新已知节点数量。
func (m *Metrics) SetPeers(n int) { m.peers.Set(float64(n)) }

// ObserveStep 记录生命周期步骤耗时。
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	m.steps.WithLabelValues(step, outcome).Observe(d.Seconds())
}

// ObserveSettlement 记录结算适配器调用耗时。
func (m *Metrics) ObserveSettlement(phase, outcome string, d time.Duration) {
	m.settlement.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// ObserveForward 记录通知转发结果。
func (m *Metrics) ObserveForward(sink, outcome string) {
	m.forwarded.WithLabelValues(sink, outcome).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Middleware 以 chi 路由模板为 handler 标签记录请求指标。
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}
