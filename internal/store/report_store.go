package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	reportExt = ".json"
	rawExt    = ".raw.json"
)

// ReportStore 报告文件存储，每个样本一个 drebin-<SHA256>.json
type ReportStore struct {
	dir      string
	writeRaw bool
}

// NewReportStore 创建报告存储，报告目录无法创建属于致命错误
func NewReportStore(dir string, writeRaw bool) (*ReportStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create report directory %s: %v", domain.ErrPersist, dir, err)
	}
	return &ReportStore{dir: dir, writeRaw: writeRaw}, nil
}

// Dir 报告目录
func (s *ReportStore) Dir() string {
	return s.dir
}

// Path 样本报告路径
func (s *ReportStore) Path(sha256 string) string {
	return filepath.Join(s.dir, domain.ReportPrefix+strings.ToUpper(sha256)+reportExt)
}

// RawPath 原始报告路径
func (s *ReportStore) RawPath(sha256 string) string {
	return filepath.Join(s.dir, domain.ReportPrefix+strings.ToUpper(sha256)+rawExt)
}

// Exists 报告是否已存在
func (s *ReportStore) Exists(sha256 string) bool {
	_, err := os.Stat(s.Path(sha256))
	return err == nil
}

// Persist 写入特征向量（以及可选的原始报告）
// 报告已存在且 overwrite 为 false 时不写入，返回已有路径和 written=false
func (s *ReportStore) Persist(v *domain.FeatureVector, raw *domain.RawReport, overwrite bool, log logrus.FieldLogger) (path string, written bool, err error) {
	if v == nil || v.SHA256 == "" {
		return "", false, fmt.Errorf("%w: feature vector has no sha256", domain.ErrPersist)
	}

	path = s.Path(v.SHA256)
	if !overwrite && s.Exists(v.SHA256) {
		log.WithField("path", path).Info("Report already exists, skipping")
		return path, false, nil
	}

	data, err := v.MarshalJSON()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return "", false, err
	}
	log.WithField("path", path).Info("Saving JSON output")

	if s.writeRaw && raw != nil {
		rawData, err := utils.MarshalJSON(raw, "    ")
		if err != nil {
			return path, true, fmt.Errorf("%w: %v", domain.ErrPersist, err)
		}
		if err := writeAtomic(s.RawPath(v.SHA256), rawData); err != nil {
			return path, true, err
		}
	}

	return path, true, nil
}

// Load 读取报告
func (s *ReportStore) Load(sha256 string) (*domain.FeatureVector, error) {
	data, err := s.LoadBytes(sha256)
	if err != nil {
		return nil, err
	}
	v := domain.NewFeatureVector()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return v, nil
}

// ErrNotFound 报告不存在
var ErrNotFound = errors.New("report not found")

// LoadBytes 读取报告原始字节
func (s *ReportStore) LoadBytes(sha256 string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(sha256))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// writeAtomic 先写临时文件再重命名，读者不会看到写了一半的文件
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", domain.ErrPersist, err)
	}
	return nil
}
