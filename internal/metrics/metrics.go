package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chanhub"

// 实时网关
var (
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open gateway connections.",
	})
	GatewayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Inbound gateway events by event name and outcome (ok or error code).",
	}, []string{"event", "outcome"})
	BroadcastGroups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "broadcast_groups",
		Help:      "Channels with a live broadcast group.",
	})
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "slow_consumers_total",
		Help:      "Connections dropped because their send buffer was full.",
	})
	ChannelMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "channel",
		Name:      "messages_total",
		Help:      "Messages appended to a channel log and broadcast.",
	})
)

// REST
var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route template and status.",
	}, []string{"method", "route", "status"})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route template.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(
		GatewayConnections, GatewayEvents, BroadcastGroups, SlowConsumers, ChannelMessages,
		HTTPRequests, HTTPDuration,
	)
}

// GinMiddleware 按路由模板统计 REST 请求；/metrics 与 /ws 长连接不计入。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/metrics", "/ws":
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			// 未匹配的路径统一归为一类，避免标签基数失控。
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
