package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livestate_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestate_ws_frames_total",
		Help: "Total number of inbound websocket frames by op",
	}, []string{"op"})
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livestate_subscriptions_active",
		Help: "Current number of registered subscription queries",
	})
	SubscriptionPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livestate_subscription_pushes_total",
		Help: "Total number of result sets pushed to subscribers",
	})
	StoreWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestate_store_writes_total",
		Help: "Total number of committed store writes",
	}, []string{"collection", "op"})
	SweepAffected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestate_sweep_affected_total",
		Help: "Records removed or transitioned by sweep jobs",
	}, []string{"job"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsFramesTotal,
		SubscriptionsActive, SubscriptionPushes,
		StoreWrites, SweepAffected,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
