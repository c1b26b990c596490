package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics 提取流水线的 Prometheus 指标
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 任务指标
	tasksTotal      *prometheus.CounterVec
	tasksInProgress prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	anomaliesTotal  prometheus.Counter
	batchesTotal    *prometheus.CounterVec

	// 发现指标
	findingsTotal *prometheus.CounterVec
	featuresTotal prometheus.Counter

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 运行时指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics 创建指标收集器，指标注册在独立的 Registry 中
func NewPrometheusMetrics(logger logrus.FieldLogger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "drebin"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of sample tasks by outcome",
			},
			[]string{"outcome"}, // completed, failed, skipped, cancelled
		),
		tasksInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of sample tasks currently running",
			},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Sample task duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"stage"},
		),
		anomaliesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Total number of samples recorded as anomalous",
			},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of batches by status",
			},
			[]string{"status"},
		),

		findingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of findings extracted per category",
			},
			[]string{"category"},
		),
		featuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_total",
				Help:      "Total number of feature keys assembled",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of tasks waiting in queue",
			},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current heap allocation in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed attempts of retried operations",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// Registry 指标注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 /metrics 处理器
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// HTTPHandler 返回标准库 Handler（worker 模式下单独暴露指标）
func (pm *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// RecordTaskStarted 记录任务开始
func (pm *PrometheusMetrics) RecordTaskStarted() {
	pm.tasksInProgress.Inc()
}

// RecordTaskFinished 记录任务结束
func (pm *PrometheusMetrics) RecordTaskFinished(result *domain.TaskResult) {
	outcome := "completed"
	switch {
	case result.Err != nil && domain.IsCancelled(result.Err):
		outcome = "cancelled"
	case result.Anomalous:
		outcome = "failed"
	case result.Skipped:
		outcome = "skipped"
	}
	pm.tasksInProgress.Dec()
	pm.tasksTotal.WithLabelValues(outcome).Inc()
	pm.taskDuration.WithLabelValues(outcome).Observe(result.Duration.Seconds())
	if result.Vector != nil {
		pm.featuresTotal.Add(float64(result.Vector.Len()))
	}
}

// ObserveStage 记录流水线阶段耗时
func (pm *PrometheusMetrics) ObserveStage(stage string, duration time.Duration) {
	pm.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordFindings 按类别记录原始报告中的发现数量
func (pm *PrometheusMetrics) RecordFindings(report *domain.RawReport) {
	for _, c := range domain.AllCategories {
		if n := report.Findings(c).Len(); n > 0 {
			pm.findingsTotal.WithLabelValues(c.Key()).Add(float64(n))
		}
	}
}

// RecordAnomalies 记录异常样本数量
func (pm *PrometheusMetrics) RecordAnomalies(count int) {
	pm.anomaliesTotal.Add(float64(count))
}

// RecordBatch 记录批处理结束状态
func (pm *PrometheusMetrics) RecordBatch(status string) {
	pm.batchesTotal.WithLabelValues(status).Inc()
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
}

// RecordRetryAttempt 记录重试中的失败尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}
