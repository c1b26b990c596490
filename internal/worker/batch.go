package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/anomaly"
	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 批次状态（指标标签）
const (
	BatchCompleted = "completed"
	BatchCancelled = "cancelled"
	BatchFailed    = "failed"
)

// BatchOptions 批处理参数
type BatchOptions struct {
	SampleDir   string
	APKListFile string // 可选，样本目录下的相对文件名，每行一个
	Concurrency int
	QueueSize   int
}

// Scheduler 批处理调度器：枚举样本，分发到 Worker 池，结束后检测异常
type Scheduler struct {
	orchestrator *Orchestrator
	detector     *anomaly.Detector
	metrics      *middleware.PrometheusMetrics
	logger       *logrus.Logger
}

// NewScheduler 创建调度器
func NewScheduler(orchestrator *Orchestrator, detector *anomaly.Detector, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		detector:     detector,
		metrics:      metrics,
		logger:       logger,
	}
}

// EnumerateSamples 列出待处理样本
// 指定列表文件时按文件内容，缺失的条目告警跳过；列表文件不存在时退回扫描 *.apk
func EnumerateSamples(sampleDir, listFile string, logger logrus.FieldLogger) ([]string, error) {
	if listFile != "" {
		samples, err := readSampleList(sampleDir, listFile, logger)
		if err == nil {
			return samples, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Warnf("Specified APK list file not found: %s. Scanning directory %s instead.", listFile, sampleDir)
	}

	logger.WithField("sample_dir", sampleDir).Info("Scanning APK directory")
	matches, err := filepath.Glob(filepath.Join(sampleDir, "*.apk"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan sample directory: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func readSampleList(sampleDir, listFile string, logger logrus.FieldLogger) ([]string, error) {
	f, err := os.Open(listFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	logger.WithField("list_file", listFile).Info("Using APK list file")

	var samples []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		path := filepath.Join(sampleDir, name)
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			logger.Warnf("APK file from list not found or is not a file: %s", path)
			continue
		}
		samples = append(samples, path)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading APK list file %s: %w", listFile, err)
	}
	return samples, nil
}

// RunBatch 处理一个样本目录
// 共享基础设施错误和取消返回 error；单个样本的失败只体现在异常清单和日志中
func (s *Scheduler) RunBatch(ctx context.Context, opts BatchOptions) (*domain.BatchResult, error) {
	batchID := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"batch_id":   batchID,
		"sample_dir": opts.SampleDir,
	})

	workspaces := s.orchestrator.Workspaces()
	if err := workspaces.Prepare(); err != nil {
		s.recordBatch(BatchFailed)
		return nil, err
	}
	defer workspaces.Cleanup()

	samples, err := EnumerateSamples(opts.SampleDir, opts.APKListFile, log)
	if err != nil {
		s.recordBatch(BatchFailed)
		return nil, err
	}

	result := &domain.BatchResult{
		BatchID:             batchID,
		AnomalyManifestPath: anomaly.ManifestPath(s.orchestrator.Store().Dir(), opts.SampleDir),
	}
	if len(samples) == 0 {
		log.Warn("No APK files found to process")
		s.recordBatch(BatchCompleted)
		return result, nil
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = config.PhysicalCores()
	}
	log.WithFields(logrus.Fields{
		"samples":     len(samples),
		"concurrency": opts.Concurrency,
	}).Info("Starting feature extraction")

	results := s.dispatch(ctx, batchID, samples, opts)
	result.Results = results
	for _, r := range results {
		if !r.Dropped {
			result.ProcessedCount++
		}
	}

	if err := ctx.Err(); err != nil {
		log.WithField("processed", result.ProcessedCount).Warn("Feature extraction was interrupted, pending samples were dropped")
		s.recordBatch(BatchCancelled)
		return result, fmt.Errorf("%w: %v", domain.ErrSchedulerCancelled, err)
	}
	log.Info("Feature extraction process for all APKs has completed")

	if err := s.checkAnomalies(ctx, batchID, result, log); err != nil {
		s.recordBatch(BatchFailed)
		return result, err
	}

	s.recordBatch(BatchCompleted)
	return result, nil
}

// dispatch 通过 Worker 池执行所有样本，结果按样本顺序返回
func (s *Scheduler) dispatch(ctx context.Context, batchID string, samples []string, opts BatchOptions) []*domain.TaskResult {
	results := make([]*domain.TaskResult, len(samples))

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = len(samples)
	}
	pool := NewPool(PoolOptions{
		Workers:   opts.Concurrency,
		QueueSize: queueSize,
		Handler: func(ctx context.Context, job *Job) *domain.TaskResult {
			return s.orchestrator.ExecuteTask(ctx, job.SamplePath, job.BatchID)
		},
		OnResult: func(job *Job, r *domain.TaskResult) {
			results[job.Seq] = r
		},
		Metrics: s.metrics,
		Logger:  s.logger,
	})
	pool.Start(ctx)

	for i, path := range samples {
		job := &Job{
			ID:         fmt.Sprintf("%s-%d", batchID[:8], i),
			Seq:        i,
			SamplePath: path,
			BatchID:    batchID,
		}
		if err := pool.Submit(ctx, job); err != nil {
			break
		}
	}
	pool.Stop()

	// 取消后未入队的样本
	for i, r := range results {
		if r == nil {
			results[i] = DroppedResult(samples[i])
		}
	}
	return results
}

// checkAnomalies 检查每个样本的任务日志，追加写入异常清单
func (s *Scheduler) checkAnomalies(ctx context.Context, batchID string, result *domain.BatchResult, log logrus.FieldLogger) error {
	log.Info("Checking for anomalies in log files")

	entries := make([]anomaly.Entry, len(result.Results))
	for i, r := range result.Results {
		entries[i] = anomaly.Entry{
			SampleID: r.Sample.FileName,
			LogPath:  r.LogPath,
			Failed:   r.Anomalous,
		}
	}

	records, err := s.detector.Detect(ctx, entries)
	if err != nil {
		return fmt.Errorf("anomaly detection failed: %w", err)
	}

	flagged := make(map[string]bool, len(records))
	for _, rec := range records {
		flagged[rec.SampleID] = true
	}
	for _, r := range result.Results {
		if !flagged[r.Sample.FileName] || r.Anomalous {
			continue
		}
		r.Anomalous = true
		if !r.Skipped {
			s.orchestrator.upsertIndex(ctx, r, batchID)
		}
	}

	result.AnomalyCount = len(records)
	if s.metrics != nil {
		s.metrics.RecordAnomalies(len(records))
	}

	if len(records) == 0 {
		log.Info("No anomalies found during extraction")
		return nil
	}

	log.Warnf("%d APK(s) found with anomalies during extraction", len(records))
	log.Warnf("Check the '%s' file for details", result.AnomalyManifestPath)
	if err := anomaly.WriteManifest(result.AnomalyManifestPath, records); err != nil {
		log.WithError(err).Error("Error writing to anomaly list file")
	}
	return nil
}

func (s *Scheduler) recordBatch(status string) {
	if s.metrics != nil {
		s.metrics.RecordBatch(status)
	}
}
