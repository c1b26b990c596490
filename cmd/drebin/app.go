package main

import (
	"context"
	"fmt"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/anomaly"
	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/manifest"
	"github.com/apk-analysis/drebin-feature-go/internal/middleware"
	"github.com/apk-analysis/drebin-feature-go/internal/repository"
	"github.com/apk-analysis/drebin-feature-go/internal/smali"
	"github.com/apk-analysis/drebin-feature-go/internal/store"
	"github.com/apk-analysis/drebin-feature-go/internal/toolchain"
	"github.com/apk-analysis/drebin-feature-go/internal/worker"
	"github.com/apk-analysis/drebin-feature-go/internal/workspace"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const metricsNamespace = "drebin"

// app 命令共享的组件
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	store      *store.ReportStore
	db         *gorm.DB
	samples    repository.SampleRepository
	metrics    *middleware.PrometheusMetrics
	memMonitor *middleware.MemoryMonitor
}

// newApp 初始化存储、索引和指标，这些错误都是致命的
func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	reports, err := store.NewReportStore(cfg.Paths.ReportDir, cfg.Report.WriteRaw)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   reports,
		metrics: middleware.NewPrometheusMetrics(logger, metricsNamespace),
	}

	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init report index: %w", err)
		}
		a.db = db
		a.samples = repository.NewSampleRepository(db)
		logger.WithField("type", cfg.Database.Type).Info("Report index connected")
	}

	a.memMonitor = middleware.NewMemoryMonitor(logger, a.metrics, 30*time.Second)
	a.memMonitor.Start()
	return a, nil
}

// newOrchestrator 检查外部工具并组装提取流水线
func (a *app) newOrchestrator(ctx context.Context) (*worker.Orchestrator, error) {
	cfg := a.cfg

	aapt := manifest.NewAapt(cfg.Tools.AaptPath, a.logger)
	if err := aapt.Check(); err != nil {
		return nil, err
	}
	baksmali := toolchain.NewBaksmali(cfg.Tools.JavaPath, cfg.Tools.BaksmaliPath, cfg.Tools.JavaHeap)
	if err := baksmali.Check(); err != nil {
		return nil, err
	}

	ads, err := smali.LoadAdTable(cfg.Paths.AdsFile)
	if err != nil {
		return nil, err
	}
	apis, err := smali.LoadAPITable(cfg.Paths.APICallsFile)
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"ad_networks":     len(ads),
		"api_permissions": len(apis),
	}).Info("Reference tables loaded")

	opts := worker.Options{
		Workspaces:   workspace.NewManager(cfg.Paths.WorkingDir, a.logger),
		Unpacker:     toolchain.ZipUnpacker{},
		Manifest:     aapt,
		Disassembler: baksmali,
		Hasher:       toolchain.Hasher{},
		Scanner:      smali.NewEngine(nil, ads, apis),
		Store:        a.store,
		Metrics:      a.metrics,
		LogDir:       cfg.Paths.LogDir,
		Console:      cfg.Log.Console,
		Overwrite:    cfg.Report.Overwrite,
		Logger:       a.logger,
	}
	if a.samples != nil {
		opts.Index = a.samples
	}

	if cfg.Archive.Enabled {
		sink, err := store.NewArchiveSink(ctx, &cfg.Archive, a.logger)
		if err != nil {
			// 归档是可选的镜像，不可用时只告警
			a.logger.WithError(err).Warn("Report archive unavailable, continuing without it")
		} else {
			opts.Archive = sink
		}
	}

	return worker.NewOrchestrator(opts)
}

// newScheduler 批处理调度器
func (a *app) newScheduler(ctx context.Context) (*worker.Scheduler, error) {
	orchestrator, err := a.newOrchestrator(ctx)
	if err != nil {
		return nil, err
	}
	detector := anomaly.NewDetector(a.cfg.Anomaly, a.logger)
	return worker.NewScheduler(orchestrator, detector, a.metrics, a.logger), nil
}

func (a *app) Close() {
	a.memMonitor.Stop()
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
