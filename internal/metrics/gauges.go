// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 端点埋点指标 (Counter/Gauge/Histogram)
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EndpointMetrics 端点级指标集合, 由传输层在收发路径上埋点
type EndpointMetrics struct {
	// 数据报
	Datagrams     *prometheus.CounterVec
	DatagramBytes *prometheus.CounterVec

	// 错误
	Errors *prometheus.CounterVec

	// 偶联
	AssociationsTotal  *prometheus.CounterVec
	ActiveAssociations prometheus.Gauge
	HandshakeLatency   prometheus.Histogram

	// 事件循环
	LoopBacklog prometheus.Gauge
}

// NewEndpointMetrics 创建并注册指标
func NewEndpointMetrics(registry prometheus.Registerer) *EndpointMetrics {
	subsystem := "endpoint"
	m := &EndpointMetrics{
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_total",
			Help:      "UDP datagrams by direction",
		}, []string{"direction"}),

		DatagramBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagram_bytes_total",
			Help:      "UDP payload bytes by direction",
		}, []string{"direction"}),

		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Endpoint errors by type",
		}, []string{"type"}),

		AssociationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "associations_total",
			Help:      "Associations by role and outcome",
		}, []string{"role", "status"}),

		ActiveAssociations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_associations",
			Help:      "Associations currently owned by the endpoint",
		}),

		HandshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_seconds",
			Help:      "Time from INIT to ESTABLISHED for dialed associations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3, 10},
		}),

		LoopBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loop_backlog",
			Help:      "Pending events across association loops",
		}),
	}

	registry.MustRegister(
		m.Datagrams,
		m.DatagramBytes,
		m.Errors,
		m.AssociationsTotal,
		m.ActiveAssociations,
		m.HandshakeLatency,
		m.LoopBacklog,
	)

	return m
}

// DatagramIn 记录入站数据报
func (m *EndpointMetrics) DatagramIn(n int) {
	m.Datagrams.WithLabelValues("in").Inc()
	m.DatagramBytes.WithLabelValues("in").Add(float64(n))
}

// DatagramOut 记录出站数据报
func (m *EndpointMetrics) DatagramOut(n int) {
	m.Datagrams.WithLabelValues("out").Inc()
	m.DatagramBytes.WithLabelValues("out").Add(float64(n))
}

// RecordError 记录错误
func (m *EndpointMetrics) RecordError(errorType string) {
	m.Errors.WithLabelValues(errorType).Inc()
}

// AssociationOpened 偶联建立
func (m *EndpointMetrics) AssociationOpened(role string, handshake time.Duration) {
	m.AssociationsTotal.WithLabelValues(role, "opened").Inc()
	m.ActiveAssociations.Inc()
	if handshake > 0 {
		m.HandshakeLatency.Observe(handshake.Seconds())
	}
}

// AssociationFailed 握手失败
func (m *EndpointMetrics) AssociationFailed(role string) {
	m.AssociationsTotal.WithLabelValues(role, "failed").Inc()
}

// AssociationClosed 偶联关闭
func (m *EndpointMetrics) AssociationClosed(role string) {
	m.AssociationsTotal.WithLabelValues(role, "closed").Inc()
	m.ActiveAssociations.Dec()
}

// SetBacklog 更新事件积压
func (m *EndpointMetrics) SetBacklog(n int) {
	m.LoopBacklog.Set(float64(n))
}
