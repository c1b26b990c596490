package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/api"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/queue"
	"github.com/apk-analysis/drebin-feature-go/internal/watcher"
	"github.com/apk-analysis/drebin-feature-go/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

func positional(fs *pflag.FlagSet, what string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", what)
	}
	return fs.Arg(0), nil
}

// runSample 提取单个样本
// 样本级错误只记录在日志中，不影响退出码
func runSample(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	samplePath, err := positional(fs, "sample")
	if err != nil {
		return err
	}

	orchestrator, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	workspaces := orchestrator.Workspaces()
	if err := workspaces.Prepare(); err != nil {
		return err
	}
	defer workspaces.Cleanup()

	vector, err := orchestrator.RunOne(ctx, samplePath)
	if domain.IsCancelled(err) {
		return err
	}
	if err != nil {
		a.logger.WithError(err).WithField("sample", samplePath).Warn("Sample finished with errors")
		return nil
	}

	a.logger.WithFields(logrus.Fields{
		"sample":   samplePath,
		"features": vector.Len(),
		"report":   a.store.Path(vector.SHA256),
	}).Info("Feature extraction completed")
	return nil
}

// runBatch 批量提取
func runBatch(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	sampleDir, err := positional(fs, "sample directory")
	if err != nil {
		return err
	}
	listFile, _ := fs.GetString("apk-list")

	scheduler, err := a.newScheduler(ctx)
	if err != nil {
		return err
	}

	result, err := scheduler.RunBatch(ctx, worker.BatchOptions{
		SampleDir:   sampleDir,
		APKListFile: listFile,
		Concurrency: a.cfg.Worker.Concurrency,
		QueueSize:   a.cfg.Worker.QueueSize,
	})
	if result != nil {
		a.logger.WithFields(logrus.Fields{
			"batch_id":  result.BatchID,
			"processed": result.ProcessedCount,
			"anomalies": result.AnomalyCount,
		}).Info("Batch finished")
	}
	return err
}

// runWatch 监听收件目录
func runWatch(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	scanExisting, _ := fs.GetBool("scan-existing")

	orchestrator, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	workspaces := orchestrator.Workspaces()
	if err := workspaces.Prepare(); err != nil {
		return err
	}
	defer workspaces.Cleanup()

	handler := func(ctx context.Context, samplePath string) error {
		_, err := orchestrator.RunOne(ctx, samplePath)
		return err
	}
	w, err := watcher.NewInboxWatcher(watcher.Options{
		Dir:          a.cfg.Paths.InboxDir,
		ScanExisting: scanExisting,
	}, handler, a.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.logger.WithField("inbox", a.cfg.Paths.InboxDir).Info("Watching inbox for new samples")

	<-ctx.Done()
	a.logger.Info("Shutting down gracefully...")
	return w.Stop()
}

// runWorker 从队列消费样本，同时暴露 /metrics
func runWorker(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	orchestrator, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	workspaces := orchestrator.Workspaces()
	if err := workspaces.Prepare(); err != nil {
		return err
	}
	defer workspaces.Cleanup()

	workers := a.cfg.Worker.Concurrency
	mq, err := queue.NewRabbitMQ(a.cfg.RabbitMQ, workers, a.logger)
	if err != nil {
		return err
	}
	defer mq.Close()

	handler := func(ctx context.Context, msg *queue.SampleMessage) error {
		return orchestrator.ExecuteTask(ctx, msg.SamplePath, msg.BatchID).Err
	}
	consumer := queue.NewConsumer(mq, handler, workers, a.logger)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	a.logger.Infof("Sample consumer started with %d workers", workers)

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.HTTPHandler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		a.logger.Infof("Metrics listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Metrics server error")
		}
	}()

	<-ctx.Done()
	a.logger.Info("Shutting down gracefully...")
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runPublish 把样本目录发布到队列，由 worker 消费
func runPublish(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	sampleDir, err := positional(fs, "sample directory")
	if err != nil {
		return err
	}
	listFile, _ := fs.GetString("apk-list")

	samples, err := worker.EnumerateSamples(sampleDir, listFile, a.logger)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.logger.Warn("No APK files found to publish")
		return nil
	}

	mq, err := queue.NewRabbitMQ(a.cfg.RabbitMQ, 1, a.logger)
	if err != nil {
		return err
	}
	defer mq.Close()

	batchID := uuid.NewString()
	n, err := queue.NewProducer(mq, a.logger).PublishBatch(ctx, batchID, samples)
	a.logger.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"published": n,
		"total":     len(samples),
	}).Info("Samples published")
	return err
}

// runServe 启动报告查询服务
func runServe(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	router := api.SetupRouter(a.cfg, a.logger, api.Deps{
		Reports:    a.store,
		Samples:    a.samples,
		Metrics:    a.metrics,
		MemMonitor: a.memMonitor,
	})
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
