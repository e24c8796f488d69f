// Package metrics 提供 Prometheus 监控指标。
// 指标变量在 Init 之前也可以安全使用，只是不会被导出。
package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drcv"

// 全局指标变量.
var (
	// HTTPRequests HTTP 请求计数器.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"server", "method", "route", "status"},
	)

	// HTTPDuration HTTP 请求耗时.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "route"},
	)

	ChunksAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunk requests by result",
		},
		[]string{"result"},
	)

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "received_bytes_total",
		Help:      "Payload bytes written for newly accepted chunks",
	})

	UploadsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_completed_total",
		Help:      "Uploads that reached the complete state",
	})

	UploadsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_disconnected_total",
		Help:      "Uploads demoted to disconnected by the liveness sweep",
	})

	ClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clients_disconnected_total",
		Help:      "Clients demoted to disconnected by the liveness sweep",
	})

	SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Completed liveness sweeps",
	})

	SweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_row_failures_total",
		Help:      "Rows the liveness sweep failed to update",
	})

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the broadcaster",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber queue was full",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Currently subscribed event observers",
	})

	TunnelUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnel_up",
		Help:      "1 while the tunnel process is running",
	})

	TunnelRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_restarts_total",
		Help:      "Tunnel process restarts",
	})

	ArchiveResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_results_total",
			Help:      "Object storage archive attempts by result",
		},
		[]string{"result"},
	)

	registry = prometheus.NewRegistry()
	initOnce sync.Once
)

// Init 注册 Go 运行时收集器和全部自定义指标.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			ChunksAccepted, BytesReceived, UploadsCompleted, UploadsDisconnected,
			ClientsDisconnected, SweepRuns, SweepFailures,
			EventsPublished, EventsDropped, Subscribers,
			TunnelUp, TunnelRestarts, ArchiveResults,
		)
	})
}

// Register 在 engine 上挂载 /metrics.
func Register(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
}

// Registry 获取 Prometheus 注册表.
func Registry() *prometheus.Registry {
	return registry
}
