// Package metrics 暴露 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "starcapital"

var (
	// Registry 业务指标注册表
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "route"})

	positionsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "returns",
		Name:      "positions_settled_total",
		Help:      "Number of matured positions settled.",
	}, []string{"product"})

	returnedAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "returns",
		Name:      "returned_amount_total",
		Help:      "Sum of returns credited to wallets.",
	}, []string{"product"})

	settlementErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "returns",
		Name:      "settlement_errors_total",
		Help:      "Number of positions that failed to settle.",
	})

	processorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "returns",
		Name:      "run_duration_seconds",
		Help:      "Duration of returns processor runs.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reviews = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "reviews_total",
		Help:      "Deposit and withdrawal review decisions.",
	}, []string{"type", "status"})

	crawlRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "news",
		Name:      "crawl_runs_total",
		Help:      "News crawl task runs.",
	}, []string{"success"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		positionsSettled,
		returnedAmount,
		settlementErrors,
		processorDuration,
		reviews,
		crawlRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler 输出已注册的指标
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware 记录请求数和耗时，按路由模板聚合避免 ID 造成高基数
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// RecordSettlement 记录一笔持仓结算
func RecordSettlement(product string, returned float64) {
	positionsSettled.WithLabelValues(product).Inc()
	returnedAmount.WithLabelValues(product).Add(returned)
}

// RecordSettlementError 记录结算失败
func RecordSettlementError() {
	settlementErrors.Inc()
}

// RecordProcessorRun 记录一次结算任务耗时
func RecordProcessorRun(duration time.Duration) {
	processorDuration.Observe(duration.Seconds())
}

// RecordReview 记录审核结果
func RecordReview(txType, status string) {
	reviews.WithLabelValues(txType, status).Inc()
}

// RecordCrawl 记录一次抓取
func RecordCrawl(success bool) {
	crawlRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
}
