package anomaly

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ManifestSuffix 异常清单文件名后缀
const ManifestSuffix = "_anomaly_apks.lst"

// 日志行分类标记，与任务日志格式保持一致
var (
	errorMarker   = " - " + config.LevelName(logrus.ErrorLevel) + " - "
	warningMarker = " - " + config.LevelName(logrus.WarnLevel) + " - "
)

// 异常原因
const (
	ReasonTaskFailed    = "task failed"
	ReasonLogMarkers    = "log contains error or warning lines"
	ReasonLogUnreadable = "log unreadable"
	ReasonLogMissing    = "log missing"
)

// Entry 待检查的样本
type Entry struct {
	SampleID string // 原始样本文件名
	LogPath  string
	Failed   bool // 任务在代码层面失败
}

// Detector 批处理结束后的异常检测
type Detector struct {
	warningsCount       bool
	missingLogIsAnomaly bool
	parallelism         int
	logger              logrus.FieldLogger
}

// NewDetector 创建检测器
func NewDetector(cfg config.AnomalyConfig, logger logrus.FieldLogger) *Detector {
	p := cfg.Parallelism
	if p <= 0 {
		p = config.PhysicalCores()
	}
	return &Detector{
		warningsCount:       cfg.WarningsCount,
		missingLogIsAnomaly: cfg.MissingLogIsAnomaly,
		parallelism:         p,
		logger:              logger,
	}
}

// Classify 返回日志中被判定为错误（以及可选的警告）的行
func (d *Detector) Classify(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, errorMarker) || (d.warningsCount && strings.Contains(line, warningMarker)) {
			hits = append(hits, line)
		}
	}
	return hits, scanner.Err()
}

// check 检查单个样本，非异常时返回 nil
func (d *Detector) check(e Entry) *domain.AnomalyRecord {
	rec := &domain.AnomalyRecord{SampleID: e.SampleID}
	if e.Failed {
		rec.Reason = ReasonTaskFailed
	}

	if e.LogPath == "" {
		d.logger.WithField("sample", e.SampleID).Warn("No log file recorded, cannot verify sample")
		return d.missing(rec)
	}

	lines, err := d.Classify(e.LogPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		d.logger.WithField("log", e.LogPath).Warn("Log file not found, cannot verify sample")
		return d.missing(rec)
	case err != nil:
		d.logger.WithError(err).WithField("log", e.LogPath).Error("Failed to read log file")
		if rec.Reason == "" {
			rec.Reason = ReasonLogUnreadable
		}
		return rec
	}

	rec.Lines = lines
	if len(lines) > 0 && rec.Reason == "" {
		rec.Reason = ReasonLogMarkers
	}
	if rec.Reason == "" {
		return nil
	}
	return rec
}

func (d *Detector) missing(rec *domain.AnomalyRecord) *domain.AnomalyRecord {
	if d.missingLogIsAnomaly && rec.Reason == "" {
		rec.Reason = ReasonLogMissing
	}
	if rec.Reason == "" {
		return nil
	}
	return rec
}

// Detect 并发检查所有样本日志，结果按输入顺序返回，只包含异常样本
func (d *Detector) Detect(ctx context.Context, entries []Entry) ([]*domain.AnomalyRecord, error) {
	results := make([]*domain.AnomalyRecord, len(entries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = d.check(e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var anomalies []*domain.AnomalyRecord
	for _, r := range results {
		if r != nil {
			anomalies = append(anomalies, r)
		}
	}
	return anomalies, nil
}

// ManifestPath 异常清单路径：<reportDir>/<样本目录名>_anomaly_apks.lst
func ManifestPath(reportDir, sampleDir string) string {
	return filepath.Join(reportDir, filepath.Base(filepath.Clean(sampleDir))+ManifestSuffix)
}

// WriteManifest 追加写入异常样本文件名，每行一个
func WriteManifest(path string, records []*domain.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create anomaly manifest directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open anomaly manifest: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, r := range records {
		fmt.Fprintln(w, r.SampleID)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write anomaly manifest: %w", err)
	}
	return f.Close()
}
