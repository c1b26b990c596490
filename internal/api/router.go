package api

import (
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/api/handlers"
	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/middleware"
	"github.com/apk-analysis/drebin-feature-go/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖，Samples 和 MemMonitor 可以为空
type Deps struct {
	Reports    handlers.ReportReader
	Samples    repository.SampleRepository
	Metrics    *middleware.PrometheusMetrics
	MemMonitor *middleware.MemoryMonitor
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.MemMonitor != nil {
		r.GET("/debug/memory", deps.MemMonitor.MetricsEndpoint())
	}

	// 健康检查（无需认证）
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(middleware.TokenAuth(cfg.Server.APIToken))
	{
		reportHandler := handlers.NewReportHandler(deps.Reports, logger)
		v1.GET("/reports/:sha256", reportHandler.GetReport)

		// 未启用索引时只提供报告查询
		if deps.Samples != nil {
			sampleHandler := handlers.NewSampleHandler(deps.Samples, logger)
			v1.GET("/samples", sampleHandler.ListSamples)
			v1.GET("/samples/:sha256", sampleHandler.GetSample)
			v1.GET("/stats", sampleHandler.GetStats)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}
