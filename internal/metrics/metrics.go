// Package metrics 定义服务的 Prometheus 指标
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 所有指标，nil 接收者上的方法均为空操作
type Metrics struct {
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	ParkingOperations  *prometheus.CounterVec
	Recognitions       *prometheus.CounterVec
	RecognitionLatency *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
}

// New 创建指标并注册到 registry
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkgate_http_requests_total",
		Help: "Total number of HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parkgate_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.ParkingOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkgate_parking_operations_total",
		Help: "Parking log operations by operation and result code",
	}, []string{"operation", "result"})

	m.Recognitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkgate_recognitions_total",
		Help: "License plate recognition requests by source and outcome",
	}, []string{"source", "outcome"})

	m.RecognitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parkgate_recognition_latency_seconds",
		Help:    "Latency of calls to the recognition service",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"source"})

	m.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parkgate_events_published_total",
		Help: "Parking log events published by sink and result",
	}, []string{"sink", "result"})
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveOperation 记录一次业务操作，result 为 "ok" 或错误码
func (m *Metrics) ObserveOperation(operation, result string) {
	if m == nil {
		return
	}
	m.ParkingOperations.WithLabelValues(operation, result).Inc()
}

// ObserveRecognition 记录一次识别调用
func (m *Metrics) ObserveRecognition(source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Recognitions.WithLabelValues(source, outcome).Inc()
	m.RecognitionLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObservePublish 记录一次事件推送
func (m *Metrics) ObservePublish(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(sink, result).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.HTTPRequests.Collect(ch)
	m.HTTPDuration.Collect(ch)
	m.ParkingOperations.Collect(ch)
	m.Recognitions.Collect(ch)
	m.RecognitionLatency.Collect(ch)
	m.EventsPublished.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.HTTPRequests.Describe(ch)
	m.HTTPDuration.Describe(ch)
	m.ParkingOperations.Describe(ch)
	m.Recognitions.Describe(ch)
	m.RecognitionLatency.Describe(ch)
	m.EventsPublished.Describe(ch)
}
